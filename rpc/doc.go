// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 rpc 是面向节点集群的扇出 RPC 客户端。

# 概述

Orchestrator 把一次 action 调用拆成固定的几个阶段：按 agent DDL
校验参数、解析目标集合、决定限量或分批、收集回复并汇总统计。
校验错误与配置错误一律在任何网络 I/O 之前返回。

# 目标解析

  - NoReply 或 ReplyTo：跳过发现与收集，只发布并返回请求 ID。
  - 显式目标（CustomRequest / SetTargets）：原样使用并以 direct
    request 发送。
  - 仅含精确 identity 的过滤器且发现方式为 mc：过滤器本身即目标集合，
    不发起发现。
  - 其余情况走 discovery.Engine，结果缓存到 Reset 或任意过滤器修改。

# 限量与分批

Count 既可以是绝对数量也可以是百分比。限量时百分比向下取整且至少
为 1；分批时百分比向上取整。分批的各波次共享同一个请求 ID，波次间
的等待只发生在两波之间。

# 汇总

agent DDL 为 action 声明的 aggregate 函数在调用开始时实例化，
见子包 aggregate。

# 回复体

Request、Reply、Result 与状态码 StatusOK..StatusUnknownError 同时被
节点端 server 包使用。
*/
package rpc
