// Package telemetry 封装 OpenTelemetry SDK 初始化，为 fleetrpc 节点与
// 客户端配置 TracerProvider 和 MeterProvider。禁用时使用 noop 实现。
package telemetry
