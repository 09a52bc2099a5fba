// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 fleetrpc 命令行入口。

# 概述

同一个二进制既是节点守护进程，也是 websocket 总线和管理端客户端。
所有子命令共享 YAML 配置（--config），配置里的 connector.type 决定
消息走 redis、websocket 还是进程内的 memory 总线。

# 子命令

  - serve      启动节点：订阅所有 collective，运行 discovery 与 rpcutil agent，
    可选注册到 Redis registry 或 SQL 清单，并监听事实文件变化
  - broker     启动 websocket 总线（/bus、/health、/metrics）
  - ping       广播 ping 并列出应答节点
  - discover   按过滤器和发现方法列出节点
  - call       调用 agent 的 action，支持 --limit、--batch 与 --json
  - inventory  打印单个节点的清单
  - migrate    清单库迁移

# 过滤器

-F、-C、-I、-A、-S 对应事实、类、身份、agent 与复合过滤器，可重复。

# 构建注入

Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
