// Package tests 是 workexec 的端到端测试。
//
// 测试通过 examples.Engine 组装完整的引擎(sqlite 内存库, 本地锁, 真实的 Executor),
// 覆盖连接器执行, 失败处理, 重启恢复和 job 调度。
//
// 运行测试:
//
//	go test ./internal/tests/...
package tests
