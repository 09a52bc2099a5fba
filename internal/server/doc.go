// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理节点进程附带的 HTTP 端点（/metrics 与 /health）的生命周期。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Run/Shutdown 与异步错误通道。
  - Config：监听地址、读写与空闲超时、最大请求头大小、优雅关闭超时，
    以及可选的证书与私钥文件。

# 主要能力

  - Run 随 ctx 结束优雅关闭，适合放进 errgroup。
  - Addr 在启动后返回实际监听地址，":0" 随机端口可直接用于测试。
  - 配置证书时使用 tlsutil 的默认 TLS 配置。
*/
package server
