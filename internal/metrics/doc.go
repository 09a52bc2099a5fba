// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
RPC 客户端、发现、消息校验、节点处理、缓存与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
nil *Collector 可以安全调用，便于在未启用指标时直接传 nil。

# 主要能力

  - RPC 指标：发布请求数、按状态分组的回复数、轮次耗时、未响应节点数。
  - 发现指标：按 method 分组的发现次数、耗时与节点数。
  - 消息校验：过期、过滤器不匹配、安全校验失败的消息计数；
    Collector 同时实现 message.Observer。
  - 节点端指标：按 agent/action/status 分组的处理次数与耗时、限流计数。
  - 缓存与数据库指标：命中/未命中、连接数与查询耗时。
*/
package metrics
