package commonregister

import (
	"context"
	"time"

	"github.com/blingmoon/workexec/work"
	"github.com/pkg/errors"
)

const (
	ConnectorSubmit  = "approval-submit"
	ConnectorReview  = "approval-review"
	ConnectorApprove = "approval-approve"
	// ConnectorReject 总是失败, 用来演示连接器失败
	ConnectorReject = "approval-reject"

	ApprovalVersion = "1.0"
)

// RegisterApprovalConnectors 审批流程用到的连接器: 提交 -> 审核 -> 批准
func RegisterApprovalConnectors(registry *work.ConnectorRegistry, tenantID int64) error {
	definitions := []*work.ConnectorDefinition{
		{
			ID:      ConnectorSubmit,
			Version: ApprovalVersion,
			Connector: work.ConnectorFunc(func(ctx context.Context, call *work.ConnectorCall) (map[string]any, error) {
				return map[string]any{
					"status":      "submitted",
					"submit_time": time.Now().Format(time.RFC3339),
				}, nil
			}),
			Outputs: []work.OutputOperation{
				{DataName: "status", Output: "status"},
				{DataName: "submitTime", Output: "submit_time"},
			},
		},
		{
			ID:      ConnectorReview,
			Version: ApprovalVersion,
			Connector: work.ConnectorFunc(func(ctx context.Context, call *work.ConnectorCall) (map[string]any, error) {
				return map[string]any{
					"review": map[string]any{
						"reviewer": "manager",
						"time":     time.Now().Format(time.RFC3339),
					},
				}, nil
			}),
			Outputs: []work.OutputOperation{
				{DataName: "reviewer", Output: "review.reviewer"},
			},
		},
		{
			ID:      ConnectorApprove,
			Version: ApprovalVersion,
			Connector: work.ConnectorFunc(func(ctx context.Context, call *work.ConnectorCall) (map[string]any, error) {
				return map[string]any{"final_status": "approved"}, nil
			}),
			Outputs: []work.OutputOperation{
				{DataName: "status", Output: "final_status"},
			},
		},
		{
			ID:      ConnectorReject,
			Version: ApprovalVersion,
			Connector: work.ConnectorFunc(func(ctx context.Context, call *work.ConnectorCall) (map[string]any, error) {
				return nil, errors.Errorf("approval rejected by %s", call.Instance.Name)
			}),
		},
	}
	for _, def := range definitions {
		if err := registry.Register(tenantID, def); err != nil {
			return errors.WithMessagef(err, "register connector %s failed", def.ID)
		}
	}
	return nil
}
