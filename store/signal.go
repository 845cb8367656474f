package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type WaitingSignalEventPo struct {
	ID                      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID                int64  `gorm:"column:tenant_id" json:"tenant_id"`
	SignalName              string `gorm:"column:signal_name;index" json:"signal_name"`
	EventType               string `gorm:"column:event_type" json:"event_type"`
	ProcessDefinitionID     int64  `gorm:"column:process_definition_id" json:"process_definition_id"`
	ParentProcessInstanceID int64  `gorm:"column:parent_process_instance_id" json:"parent_process_instance_id"`
	RootProcessInstanceID   int64  `gorm:"column:root_process_instance_id" json:"root_process_instance_id"`
	FlowNodeInstanceID      int64  `gorm:"column:flow_node_instance_id" json:"flow_node_instance_id"`
	CreatedAt               int64  `gorm:"column:created_at" json:"created_at"`
}

func (WaitingSignalEventPo) TableName() string {
	return "waiting_signal_event"
}

func (s *GormStore) CreateWaitingSignalEvent(ctx context.Context, po *WaitingSignalEventPo) (*WaitingSignalEventPo, error) {
	if po == nil || po.SignalName == "" {
		return nil, errors.WithMessage(ErrInvalidParam, "CreateWaitingSignalEvent need signal name")
	}
	po.CreatedAt = time.Now().Unix()
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWaitingSignalEvent failed")
	}
	return po, nil
}

func (s *GormStore) GetWaitingSignalEvent(ctx context.Context, id int64) (*WaitingSignalEventPo, error) {
	po := &WaitingSignalEventPo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetWaitingSignalEvent failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) QueryWaitingSignalEvents(ctx context.Context, signalName string) ([]*WaitingSignalEventPo, error) {
	pos := make([]*WaitingSignalEventPo, 0)
	err := s.GetDBWithContext(ctx).Where("signal_name = ?", signalName).Order("id asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWaitingSignalEvents failed, signal: %s", signalName)
	}
	return pos, nil
}
