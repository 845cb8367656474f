package restart

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blingmoon/workexec/store"
	"github.com/blingmoon/workexec/work"
)

// FlowNodesRestartHandler 重新执行执行中或者不稳定的节点
type FlowNodesRestartHandler struct {
	tx        store.TransactionService
	flowNodes store.FlowNodeInstanceRepo
	works     work.Registrar
	batchSize int
	pending   *pending
	logger    *slog.Logger
}

func NewFlowNodesRestartHandler(tx store.TransactionService, flowNodes store.FlowNodeInstanceRepo, works work.Registrar, batchSize int, logger *slog.Logger) *FlowNodesRestartHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowNodesRestartHandler{
		tx:        tx,
		flowNodes: flowNodes,
		works:     works,
		batchSize: batchSize,
		pending:   newPending(),
		logger:    logger.With("component", "flownodes-restart-handler"),
	}
}

func (h *FlowNodesRestartHandler) Name() string {
	return "flowNodes"
}

// BeforeServicesStart 未结束的节点统一置为执行中, 这样按当前状态注册的 work 能通过状态检查
func (h *FlowNodesRestartHandler) BeforeServicesStart(ctx context.Context, tenantID int64) error {
	var lastID int64
	for {
		var size int
		err := h.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			nodes, err := h.flowNodes.QueryFlowNodeInstancesToRestart(ctx, tenantID, lastID, h.batchSize)
			if err != nil {
				return err
			}
			size = len(nodes)
			for _, node := range nodes {
				lastID = node.ID
				h.pending.add(tenantID, node.ID)
				if store.IsTerminalFlowNodeState(node.StateID) || (!node.Stable && node.StateExecuting) {
					continue
				}
				stable, executing := false, true
				err := h.flowNodes.UpdateFlowNodeInstance(ctx, node.ID, &store.UpdateFlowNodeInstanceField{
					Stable:         &stable,
					StateExecuting: &executing,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if size < h.batchSize || size == 0 {
			return nil
		}
	}
}

// AfterServicesStart 已经结束的节点通知父容器, 其他的按当前状态重新执行
func (h *FlowNodesRestartHandler) AfterServicesStart(ctx context.Context, tenantID int64) error {
	ctx = work.WithTenant(ctx, tenantID)
	restarted := 0
	for _, batch := range batches(h.pending.take(tenantID), h.batchSize) {
		err := h.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			for _, id := range batch {
				node, err := h.flowNodes.GetFlowNodeInstance(ctx, id)
				if err != nil {
					if store.IsNotFound(err) {
						continue
					}
					return err
				}
				d := work.NewExecuteFlowNodeWorkDescriptor(node.ProcessDefinitionID, node.ParentProcessInstanceID,
					node.ID, node.StateID, false, node.Aborting, node.Canceling)
				if store.IsTerminalFlowNodeState(node.StateID) {
					d = work.NewNotifyChildFinishedWorkDescriptor(node.ProcessDefinitionID, node.ParentProcessInstanceID, node.ID)
				}
				if err := h.works.RegisterWork(ctx, d); err != nil {
					return err
				}
				restarted++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	h.logger.InfoContext(ctx, fmt.Sprintf("restarted %d flow nodes of tenant %d", restarted, tenantID))
	return nil
}

// ConnectorsRestartHandler 执行中断的连接器重置为待执行并重新注册
type ConnectorsRestartHandler struct {
	tx               store.TransactionService
	connectors       store.ConnectorInstanceRepo
	processInstances store.ProcessInstanceRepo
	flowNodes        store.FlowNodeInstanceRepo
	works            work.Registrar
	batchSize        int
	pending          *pending
	logger           *slog.Logger
}

func NewConnectorsRestartHandler(services *work.Services, batchSize int) *ConnectorsRestartHandler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectorsRestartHandler{
		tx:               services.Tx,
		connectors:       services.Connectors,
		processInstances: services.ProcessInstances,
		flowNodes:        services.FlowNodes,
		works:            services.Works,
		batchSize:        batchSize,
		pending:          newPending(),
		logger:           logger.With("component", "connectors-restart-handler"),
	}
}

func (h *ConnectorsRestartHandler) Name() string {
	return "connectors"
}

func (h *ConnectorsRestartHandler) BeforeServicesStart(ctx context.Context, tenantID int64) error {
	var lastID int64
	for {
		var size int
		err := h.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			connectors, err := h.connectors.QueryConnectorInstancesToRestart(ctx, tenantID, lastID, h.batchSize)
			if err != nil {
				return err
			}
			size = len(connectors)
			for _, ci := range connectors {
				lastID = ci.ID
				state := store.ConnectorStateToBeExecuted
				if err := h.connectors.UpdateConnectorInstance(ctx, ci.ID, &store.UpdateConnectorInstanceField{State: &state}); err != nil {
					return err
				}
				h.pending.add(tenantID, ci.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if size < h.batchSize || size == 0 {
			return nil
		}
	}
}

func (h *ConnectorsRestartHandler) AfterServicesStart(ctx context.Context, tenantID int64) error {
	ctx = work.WithTenant(ctx, tenantID)
	restarted := 0
	for _, batch := range batches(h.pending.take(tenantID), h.batchSize) {
		err := h.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			for _, id := range batch {
				d, err := h.descriptorFor(ctx, id)
				if err != nil {
					return err
				}
				if d == nil {
					continue
				}
				if err := h.works.RegisterWork(ctx, d); err != nil {
					return err
				}
				restarted++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	h.logger.InfoContext(ctx, fmt.Sprintf("restarted %d connectors of tenant %d", restarted, tenantID))
	return nil
}

// descriptorFor 连接器或者容器已经不存在时返回 nil
func (h *ConnectorsRestartHandler) descriptorFor(ctx context.Context, id int64) (*work.Descriptor, error) {
	ci, err := h.connectors.GetConnectorInstance(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if ci.State != store.ConnectorStateToBeExecuted {
		return nil, nil
	}
	if ci.ContainerType == store.ContainerTypeProcess {
		pi, err := h.processInstances.GetProcessInstance(ctx, ci.ContainerID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		// 开始事件的选择不持久化, 恢复时不做限制
		return work.NewExecuteConnectorOfProcessDescriptor(pi.ProcessDefinitionID, pi.ID, pi.RootProcessInstanceID,
			ci.ID, ci.Name, ci.ActivationEvent, nil), nil
	}
	node, err := h.flowNodes.GetFlowNodeInstance(ctx, ci.ContainerID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return work.NewExecuteConnectorOfActivityDescriptor(node.ProcessDefinitionID, node.ParentProcessInstanceID,
		node.RootProcessInstanceID, node.ID, ci.ID, ci.Name), nil
}

// MessagesRestartHandler 重置配对到一半的消息和等待事件, 然后重新配对
type MessagesRestartHandler struct {
	tx       store.TransactionService
	messages store.MessageRepo
	matcher  *work.MessageMatcher
	logger   *slog.Logger
}

func NewMessagesRestartHandler(tx store.TransactionService, messages store.MessageRepo, matcher *work.MessageMatcher, logger *slog.Logger) *MessagesRestartHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagesRestartHandler{
		tx:       tx,
		messages: messages,
		matcher:  matcher,
		logger:   logger.With("component", "messages-restart-handler"),
	}
}

func (h *MessagesRestartHandler) Name() string {
	return "messages"
}

// BeforeServicesStart 消息表不区分租户, 重置的是全部租户的数据
func (h *MessagesRestartHandler) BeforeServicesStart(ctx context.Context, tenantID int64) error {
	return h.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		events, err := h.messages.ResetInProgressWaitingMessageEvents(ctx)
		if err != nil {
			return err
		}
		messages, err := h.messages.ResetHandledMessageInstances(ctx)
		if err != nil {
			return err
		}
		if events > 0 || messages > 0 {
			h.logger.InfoContext(ctx, fmt.Sprintf("reset %d waiting message events and %d messages", events, messages))
		}
		return nil
	})
}

// AfterServicesStart 遍历一遍全部未处理的消息重新配对
func (h *MessagesRestartHandler) AfterServicesStart(ctx context.Context, tenantID int64) error {
	ctx = work.WithTenant(ctx, tenantID)
	matched, err := h.matcher.Match(ctx)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, fmt.Sprintf("matched %d messages of tenant %d on restart", matched, tenantID))
	return nil
}

// NewDefaultHandlers 节点, 连接器, 消息的顺序恢复
func NewDefaultHandlers(services *work.Services, matcher *work.MessageMatcher) []Handler {
	batchSize := 100
	if services.Config != nil {
		batchSize = services.Config.Work.RestartBatchSize
	}
	return []Handler{
		NewFlowNodesRestartHandler(services.Tx, services.FlowNodes, services.Works, batchSize, services.Logger),
		NewConnectorsRestartHandler(services, batchSize),
		NewMessagesRestartHandler(services.Tx, services.Messages, matcher, services.Logger),
	}
}
