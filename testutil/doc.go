// 版权所有 2024 FleetRPC Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 fleetrpc 测试共享的辅助函数。

# 核心能力

  - TestContext：带超时的上下文，自动注册 Cleanup。
  - WaitFor：轮询等待条件成立。
  - WriteFile：在临时目录写入事实、类或 DDL 文件。
  - RunInBackground：后台运行节点或循环，测试结束时取消并等待退出。

# 子包

  - testutil/fixtures：样例节点清单、DDL 与事实文件。
  - testutil/mocks：MockConnector，记录发布与订阅，可注入接收帧与错误。

# 使用示例

	conn := mocks.NewMockConnector()
	conn.FailReceive(transport.Unavailable("broker restarting"))
	conn.Push(&message.Frame{Body: []byte("garbage")})
*/
package testutil
