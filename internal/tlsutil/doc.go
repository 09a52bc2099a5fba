// Package tlsutil 提供集中式 TLS 配置，为总线连接与 HTTP 端点提供
// 安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），可选私有 CA。
package tlsutil
