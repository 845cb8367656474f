// Package workexec 是流程引擎的 work 执行和调度核心。
//
// 引擎里所有异步的事情都被描述成 work: 执行节点, 执行连接器, 通知父流程,
// 触发消息和信号。work 在事务里注册, 事务提交之后才会被执行,
// 回滚时直接丢弃。
//
// 主要组成:
//   - work: work 描述, 装饰链 (租户, 锁, 事务, 失败处理, 监控), 工厂和执行器
//   - store: 基于 GORM 的持久化, 事务通过 context 传递
//   - lock: 本地锁, Redis 锁, etcd 锁
//   - scheduler: 基于 cron 的 job 调度, 失败重试记录和 incident
//   - restart: 服务重启后恢复执行到一半的节点, 连接器和消息
//   - config: 基于 viper 的配置, 支持 WORKEXEC_ 环境变量
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/workexec/config"
//	    "github.com/blingmoon/workexec/examples"
//	    "github.com/blingmoon/workexec/work"
//	)
//
//	func main() {
//	    cfg := config.Default()
//	    cfg.Database.DSN = "workexec.db"
//	    engine, err := examples.NewSqliteEngine(cfg, nil)
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer engine.Close(context.Background())
//
//	    // 注册连接器实现
//	    _ = engine.Registry.Register(0, &work.ConnectorDefinition{
//	        ID:      "greeting",
//	        Version: "1.0",
//	        Connector: work.ConnectorFunc(func(ctx context.Context, call *work.ConnectorCall) (map[string]any, error) {
//	            return map[string]any{"message": "hello"}, nil
//	        }),
//	        Outputs: []work.OutputOperation{{DataName: "greeting", Output: "message"}},
//	    })
//
//	    // 恢复上次没做完的 work 并启动调度
//	    if err := engine.Start(context.Background(), 0); err != nil {
//	        panic(err)
//	    }
//	}
//
// 更完整的例子见 examples/with-sqlite。
package workexec
