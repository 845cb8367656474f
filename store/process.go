package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type ProcessInstanceState = string

const (
	ProcessInstanceStateInitializing ProcessInstanceState = "initializing"
	ProcessInstanceStateStarted      ProcessInstanceState = "started"
	ProcessInstanceStateCompleted    ProcessInstanceState = "completed"
	// 流程实例失败, 需要人工介入
	ProcessInstanceStateError     ProcessInstanceState = "error"
	ProcessInstanceStateAborted   ProcessInstanceState = "aborted"
	ProcessInstanceStateCancelled ProcessInstanceState = "cancelled"
)

type ProcessInstancePo struct {
	ID                    int64                `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID              int64                `gorm:"column:tenant_id;index" json:"tenant_id"`
	Name                  string               `gorm:"column:name" json:"name"`
	ProcessDefinitionID   int64                `gorm:"column:process_definition_id" json:"process_definition_id"`
	RootProcessInstanceID int64                `gorm:"column:root_process_instance_id" json:"root_process_instance_id"`
	CallerID              int64                `gorm:"column:caller_id" json:"caller_id"` // 调用者节点ID(call activity), 根流程为0
	State                 ProcessInstanceState `gorm:"column:state" json:"state"`
	CreatedAt             int64                `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             int64                `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcessInstancePo) TableName() string {
	return "process_instance"
}

func (s *GormStore) CreateProcessInstance(ctx context.Context, po *ProcessInstancePo) (*ProcessInstancePo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil ProcessInstancePo")
	}
	po.CreatedAt = time.Now().Unix()
	po.UpdatedAt = po.CreatedAt
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateProcessInstance failed")
	}
	if po.RootProcessInstanceID == 0 {
		// 根流程的 root 指向自己
		po.RootProcessInstanceID = po.ID
		if err := s.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).Where("id = ?", po.ID).
			Update("root_process_instance_id", po.ID).Error; err != nil {
			return nil, errors.WithMessage(err, "CreateProcessInstance set root failed")
		}
	}
	return po, nil
}

func (s *GormStore) GetProcessInstance(ctx context.Context, id int64) (*ProcessInstancePo, error) {
	po := &ProcessInstancePo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetProcessInstance failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) UpdateProcessInstanceState(ctx context.Context, id int64, state ProcessInstanceState) error {
	if state == "" {
		return errors.WithMessage(ErrInvalidParam, "UpdateProcessInstanceState empty state")
	}
	err := s.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).Where("id = ?", id).Updates(map[string]any{
		"state":      state,
		"updated_at": time.Now().Unix(),
	}).Error
	if err != nil {
		return errors.WithMessagef(err, "UpdateProcessInstanceState failed, id: %d", id)
	}
	return nil
}
