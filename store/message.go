package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type MessageInstancePo struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID            int64  `gorm:"column:tenant_id" json:"tenant_id"`
	MessageName         string `gorm:"column:message_name;index" json:"message_name"`
	TargetProcess       string `gorm:"column:target_process" json:"target_process"`
	TargetFlowNode      string `gorm:"column:target_flow_node" json:"target_flow_node"`
	ProcessDefinitionID int64  `gorm:"column:process_definition_id" json:"process_definition_id"`
	Handled             bool   `gorm:"column:handled" json:"handled"`
	CreatedAt           int64  `gorm:"column:created_at" json:"created_at"`
}

func (MessageInstancePo) TableName() string {
	return "message_instance"
}

// MessageDataPo 消息携带的本地数据
type MessageDataPo struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MessageInstanceID int64  `gorm:"column:message_instance_id;index" json:"message_instance_id"`
	Name              string `gorm:"column:name" json:"name"`
	Value             []byte `gorm:"column:value" json:"value"`
}

func (MessageDataPo) TableName() string {
	return "message_data"
}

// WaitingEventProgress 等待事件的处理进度
type WaitingEventProgress int

const (
	WaitingEventFree       WaitingEventProgress = 0
	WaitingEventInProgress WaitingEventProgress = 1
)

type WaitingMessageEventPo struct {
	ID                      int64                `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID                int64                `gorm:"column:tenant_id" json:"tenant_id"`
	MessageName             string               `gorm:"column:message_name;index" json:"message_name"`
	ProcessName             string               `gorm:"column:process_name" json:"process_name"`
	FlowNodeName            string               `gorm:"column:flow_node_name" json:"flow_node_name"`
	EventType               string               `gorm:"column:event_type" json:"event_type"` // START_EVENT, INTERMEDIATE_CATCH_EVENT, BOUNDARY_EVENT ...
	ProcessDefinitionID     int64                `gorm:"column:process_definition_id" json:"process_definition_id"`
	ParentProcessInstanceID int64                `gorm:"column:parent_process_instance_id" json:"parent_process_instance_id"`
	RootProcessInstanceID   int64                `gorm:"column:root_process_instance_id" json:"root_process_instance_id"`
	FlowNodeInstanceID      int64                `gorm:"column:flow_node_instance_id" json:"flow_node_instance_id"`
	Progress                WaitingEventProgress `gorm:"column:progress" json:"progress"`
	Active                  bool                 `gorm:"column:active" json:"active"`
	CreatedAt               int64                `gorm:"column:created_at" json:"created_at"`
}

func (WaitingMessageEventPo) TableName() string {
	return "waiting_message_event"
}

// CreateMessageInstance 同时写入消息数据
func (s *GormStore) CreateMessageInstance(ctx context.Context, po *MessageInstancePo, data map[string][]byte) (*MessageInstancePo, error) {
	if po == nil || po.MessageName == "" {
		return nil, errors.WithMessage(ErrInvalidParam, "CreateMessageInstance need message name")
	}
	err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		po.CreatedAt = time.Now().Unix()
		if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
			return errors.WithMessage(err, "create message instance failed")
		}
		if len(data) == 0 {
			return nil
		}
		dataPos := make([]*MessageDataPo, 0, len(data))
		for name, value := range data {
			dataPos = append(dataPos, &MessageDataPo{
				MessageInstanceID: po.ID,
				Name:              name,
				Value:             value,
			})
		}
		if err := s.GetDBWithContext(ctx).Create(&dataPos).Error; err != nil {
			return errors.WithMessage(err, "create message data failed")
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "CreateMessageInstance failed")
	}
	return po, nil
}

func (s *GormStore) GetMessageInstance(ctx context.Context, id int64) (*MessageInstancePo, error) {
	po := &MessageInstancePo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetMessageInstance failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) DeleteMessageInstance(ctx context.Context, id int64) error {
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).Delete(&MessageInstancePo{}).Error; err != nil {
		return errors.WithMessagef(err, "DeleteMessageInstance failed, id: %d", id)
	}
	return nil
}

func (s *GormStore) UpdateMessageInstanceHandled(ctx context.Context, id int64, handled bool) error {
	err := s.GetDBWithContext(ctx).Model(&MessageInstancePo{}).Where("id = ?", id).Update("handled", handled).Error
	if err != nil {
		return errors.WithMessagef(err, "UpdateMessageInstanceHandled failed, id: %d", id)
	}
	return nil
}

func (s *GormStore) GetMessageData(ctx context.Context, messageInstanceID int64) ([]*MessageDataPo, error) {
	pos := make([]*MessageDataPo, 0)
	err := s.GetDBWithContext(ctx).Where("message_instance_id = ?", messageInstanceID).Order("id asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetMessageData failed, messageInstanceID: %d", messageInstanceID)
	}
	return pos, nil
}

func (s *GormStore) DeleteMessageData(ctx context.Context, messageInstanceID int64) error {
	err := s.GetDBWithContext(ctx).Where("message_instance_id = ?", messageInstanceID).Delete(&MessageDataPo{}).Error
	if err != nil {
		return errors.WithMessagef(err, "DeleteMessageData failed, messageInstanceID: %d", messageInstanceID)
	}
	return nil
}

// QueryUnhandledMessageInstances 按 id 分页查询未处理的消息
func (s *GormStore) QueryUnhandledMessageInstances(ctx context.Context, idGreaterThan int64, limit int) ([]*MessageInstancePo, error) {
	if limit <= 0 {
		limit = 100
	}
	pos := make([]*MessageInstancePo, 0)
	err := s.GetDBWithContext(ctx).
		Where("handled = ? AND id > ?", false, idGreaterThan).
		Order("id asc").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryUnhandledMessageInstances failed")
	}
	return pos, nil
}

// ResetHandledMessageInstances 重启时把已标记但未耦合完成的消息放回去
func (s *GormStore) ResetHandledMessageInstances(ctx context.Context) (int64, error) {
	result := s.GetDBWithContext(ctx).Model(&MessageInstancePo{}).Where("handled = ?", true).Update("handled", false)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "ResetHandledMessageInstances failed")
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CreateWaitingMessageEvent(ctx context.Context, po *WaitingMessageEventPo) (*WaitingMessageEventPo, error) {
	if po == nil || po.MessageName == "" {
		return nil, errors.WithMessage(ErrInvalidParam, "CreateWaitingMessageEvent need message name")
	}
	po.CreatedAt = time.Now().Unix()
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWaitingMessageEvent failed")
	}
	return po, nil
}

func (s *GormStore) GetWaitingMessageEvent(ctx context.Context, id int64) (*WaitingMessageEventPo, error) {
	po := &WaitingMessageEventPo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetWaitingMessageEvent failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) UpdateWaitingMessageEventProgress(ctx context.Context, id int64, progress WaitingEventProgress) error {
	err := s.GetDBWithContext(ctx).Model(&WaitingMessageEventPo{}).Where("id = ?", id).Update("progress", progress).Error
	if err != nil {
		return errors.WithMessagef(err, "UpdateWaitingMessageEventProgress failed, id: %d", id)
	}
	return nil
}

// FindFreeWaitingMessageEvent 按消息名, 目标流程, 目标节点匹配一个空闲的等待事件, 没有返回 nil, nil
func (s *GormStore) FindFreeWaitingMessageEvent(ctx context.Context, message *MessageInstancePo) (*WaitingMessageEventPo, error) {
	if message == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "FindFreeWaitingMessageEvent nil message")
	}
	db := s.GetDBWithContext(ctx).
		Where("message_name = ? AND progress = ? AND active = ?", message.MessageName, WaitingEventFree, true)
	if message.TargetProcess != "" {
		db = db.Where("process_name = ?", message.TargetProcess)
	}
	if message.TargetFlowNode != "" {
		db = db.Where("flow_node_name = ?", message.TargetFlowNode)
	}
	pos := make([]*WaitingMessageEventPo, 0, 1)
	if err := db.Order("id asc").Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "FindFreeWaitingMessageEvent failed, message: %s", message.MessageName)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0], nil
}

func (s *GormStore) ResetInProgressWaitingMessageEvents(ctx context.Context) (int64, error) {
	result := s.GetDBWithContext(ctx).Model(&WaitingMessageEventPo{}).
		Where("progress = ?", WaitingEventInProgress).
		Update("progress", WaitingEventFree)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "ResetInProgressWaitingMessageEvents failed")
	}
	return result.RowsAffected, nil
}
