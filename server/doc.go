// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 是节点端的请求处理器：订阅已注册 agent 的广播与定向目标，
解码、校验请求，在有界 goroutine 池中执行 action，并把回复发布到
请求指定的回复目标。

# 请求流水线

 1. FromFrame + Decode：安全层认证失败的帧只记日志与拒绝计数。
 2. Validate：过期或未命中本节点过滤器的请求不会进入 agent。
 3. 限流：超出 rate.Limiter 配额时记录节流并等待。
 4. 派发：按 agent DDL 的 timeout 在 internal/pool 中执行，超时回复
    ABORTED。
 5. 回复：Encode 后经 Connector 发布，状态码写入 Prometheus 指标。

# 内置 agent

  - discovery：原始 "ping" 负载回复 "pong"，供 mc 发现使用。
  - rpcutil：ping、inventory、get_fact、agent_inventory、
    collective_info。

# 节点清单

Inventory 从 YAML 事实文件（嵌套键以点号展开）与类文件加载，实现
security.FilterMatcher 与 data.Inventory，复合过滤器中的数据函数经
data.Manager 解析。

# 附属任务

Run 在同一个 errgroup 中运行接收循环、注册器（Redis 注册表或 SQL
清单）以及可选的 /metrics、/health HTTP 端点。
*/
package server
