// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供进程内的命名缓存（named caches）。

# 概述

Manager 管理一组按名称区分的 Cache。每个 Cache 持有独立的互斥锁，
因此对不同名称缓存的读写互不竞争；同一缓存内至多一个写者。
DDL 描述文件缓存（"ddl"）即基于本包实现。

# 核心类型

  - Manager：命名缓存注册表，Setup/Get/Delete/Names。
  - Cache：单个缓存，Read/Write/Invalidate/TTL/Fetch/Synchronize，
    以及 ReadJSON/WriteJSON 便捷序列化方法。
  - Stats：命中、未命中与键数量统计。

# 错误语义

  - ErrCacheMiss：键不存在。
  - ErrCacheExpired：键已超过缓存 TTL，读取时被清除。
  - IsCacheMiss 同时识别上述两种错误。
*/
package cache
