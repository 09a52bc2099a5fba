// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 FleetRPC 的配置加载。
//
// 配置按 默认值 → YAML 文件 → FLEETRPC_* 环境变量 的顺序合并，
// FileWatcher 轮询事实文件、类文件等运行期输入并在变化时回调。
package config
