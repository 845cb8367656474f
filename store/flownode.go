package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// 节点状态ID
const (
	FlowNodeStateInitializing int = 0
	FlowNodeStateExecuting    int = 1
	FlowNodeStateCompleted    int = 2
	FlowNodeStateFailed       int = 3
	FlowNodeStateReady        int = 4
	FlowNodeStateCompleting   int = 5 // ON_FINISH 连接器执行阶段
	FlowNodeStateAborted      int = 6
	FlowNodeStateCancelled    int = 7
)

func FlowNodeStateName(stateID int) string {
	switch stateID {
	case FlowNodeStateInitializing:
		return "initializing"
	case FlowNodeStateExecuting:
		return "executing"
	case FlowNodeStateCompleted:
		return "completed"
	case FlowNodeStateFailed:
		return "failed"
	case FlowNodeStateReady:
		return "ready"
	case FlowNodeStateCompleting:
		return "completing"
	case FlowNodeStateAborted:
		return "aborted"
	case FlowNodeStateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// IsTerminalFlowNodeState 终止状态, failed 不算, 失败的节点可以重试
func IsTerminalFlowNodeState(stateID int) bool {
	return stateID == FlowNodeStateCompleted || stateID == FlowNodeStateAborted || stateID == FlowNodeStateCancelled
}

type FlowNodeInstancePo struct {
	ID                      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID                int64  `gorm:"column:tenant_id;index" json:"tenant_id"`
	Name                    string `gorm:"column:name" json:"name"`
	Kind                    string `gorm:"column:kind" json:"kind"` // userTask, automaticTask, boundaryEvent ...
	ProcessDefinitionID     int64  `gorm:"column:process_definition_id" json:"process_definition_id"`
	ParentProcessInstanceID int64  `gorm:"column:parent_process_instance_id;index" json:"parent_process_instance_id"`
	RootProcessInstanceID   int64  `gorm:"column:root_process_instance_id" json:"root_process_instance_id"`
	ParentContainerID       int64  `gorm:"column:parent_container_id" json:"parent_container_id"`
	StateID                 int    `gorm:"column:state_id" json:"state_id"`
	StateName               string `gorm:"column:state_name" json:"state_name"`
	Stable                  bool   `gorm:"column:stable" json:"stable"`
	StateExecuting          bool   `gorm:"column:state_executing" json:"state_executing"`
	Aborting                bool   `gorm:"column:aborting" json:"aborting"`
	Canceling               bool   `gorm:"column:canceling" json:"canceling"`
	CreatedAt               int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt               int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (FlowNodeInstancePo) TableName() string {
	return "flownode_instance"
}

// Transitioning 节点处于状态迁移中
func (po *FlowNodeInstancePo) Transitioning() bool {
	return !po.Stable
}

type UpdateFlowNodeInstanceField struct {
	StateID        *int    `json:"state_id"`
	StateName      *string `json:"state_name"`
	Stable         *bool   `json:"stable"`
	StateExecuting *bool   `json:"state_executing"`
	Aborting       *bool   `json:"aborting"`
	Canceling      *bool   `json:"canceling"`
}

func (s *GormStore) CreateFlowNodeInstance(ctx context.Context, po *FlowNodeInstancePo) (*FlowNodeInstancePo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil FlowNodeInstancePo")
	}
	if po.StateName == "" {
		po.StateName = FlowNodeStateName(po.StateID)
	}
	po.CreatedAt = time.Now().Unix()
	po.UpdatedAt = po.CreatedAt
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateFlowNodeInstance failed")
	}
	return po, nil
}

func (s *GormStore) GetFlowNodeInstance(ctx context.Context, id int64) (*FlowNodeInstancePo, error) {
	po := &FlowNodeInstancePo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetFlowNodeInstance failed, id: %d", id)
	}
	return po, nil
}

func buildUpdateFlowNodeInstanceFields(fields *UpdateFlowNodeInstanceField) (map[string]any, error) {
	if fields == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil UpdateFlowNodeInstanceField")
	}
	updateFields := make(map[string]any)
	if fields.StateID != nil {
		updateFields["state_id"] = *fields.StateID
		if fields.StateName == nil {
			updateFields["state_name"] = FlowNodeStateName(*fields.StateID)
		}
	}
	if fields.StateName != nil {
		updateFields["state_name"] = *fields.StateName
	}
	if fields.Stable != nil {
		updateFields["stable"] = *fields.Stable
	}
	if fields.StateExecuting != nil {
		updateFields["state_executing"] = *fields.StateExecuting
	}
	if fields.Aborting != nil {
		updateFields["aborting"] = *fields.Aborting
	}
	if fields.Canceling != nil {
		updateFields["canceling"] = *fields.Canceling
	}
	if len(updateFields) == 0 {
		return nil, errors.WithMessage(ErrInvalidParam, "no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (s *GormStore) UpdateFlowNodeInstance(ctx context.Context, id int64, fields *UpdateFlowNodeInstanceField) error {
	updateFields, err := buildUpdateFlowNodeInstanceFields(fields)
	if err != nil {
		return errors.WithMessagef(err, "UpdateFlowNodeInstance failed, id: %d", id)
	}
	if err := s.GetDBWithContext(ctx).Model(&FlowNodeInstancePo{}).Where("id = ?", id).Updates(updateFields).Error; err != nil {
		return errors.WithMessagef(err, "UpdateFlowNodeInstance failed, id: %d", id)
	}
	return nil
}

// QueryFlowNodeInstancesToRestart 查询重启时需要继续执行的节点: 正在执行或者处于迁移中
func (s *GormStore) QueryFlowNodeInstancesToRestart(ctx context.Context, tenantID int64, idGreaterThan int64, limit int) ([]*FlowNodeInstancePo, error) {
	if limit <= 0 {
		limit = 100
	}
	pos := make([]*FlowNodeInstancePo, 0)
	err := s.GetDBWithContext(ctx).
		Where("tenant_id = ? AND id > ?", tenantID, idGreaterThan).
		Where("state_executing = ? OR stable = ?", true, false).
		Order("id asc").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryFlowNodeInstancesToRestart failed")
	}
	return pos, nil
}
