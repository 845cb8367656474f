package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type ConnectorState = string

const (
	ConnectorStateToBeExecuted ConnectorState = "TO_BE_EXECUTED"
	ConnectorStateExecuting    ConnectorState = "EXECUTING"
	ConnectorStateDone         ConnectorState = "DONE"
	ConnectorStateFailed       ConnectorState = "FAILED"
)

type ActivationEvent = string

const (
	ActivationEventOnEnter  ActivationEvent = "ON_ENTER"
	ActivationEventOnFinish ActivationEvent = "ON_FINISH"
)

type FailAction = string

const (
	FailActionFail       FailAction = "FAIL"
	FailActionIgnore     FailAction = "IGNORE"
	FailActionErrorEvent FailAction = "ERROR_EVENT"
)

type ContainerType = string

const (
	ContainerTypeProcess  ContainerType = "PROCESS"
	ContainerTypeFlowNode ContainerType = "FLOWNODE"
)

type ConnectorInstancePo struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID         int64           `gorm:"column:tenant_id" json:"tenant_id"`
	ContainerID      int64           `gorm:"column:container_id;index:idx_connector_container" json:"container_id"`
	ContainerType    ContainerType   `gorm:"column:container_type;index:idx_connector_container" json:"container_type"`
	Name             string          `gorm:"column:name" json:"name"`
	ConnectorID      string          `gorm:"column:connector_id" json:"connector_id"` // 连接器定义ID
	Version          string          `gorm:"column:version" json:"version"`
	ActivationEvent  ActivationEvent `gorm:"column:activation_event" json:"activation_event"`
	FailAction       FailAction      `gorm:"column:fail_action" json:"fail_action"`
	ErrorCode        string          `gorm:"column:error_code" json:"error_code"` // FailAction 为 ERROR_EVENT 时使用
	ExecutionOrder   int             `gorm:"column:execution_order" json:"execution_order"`
	State            ConnectorState  `gorm:"column:state" json:"state"`
	ExceptionMessage string          `gorm:"column:exception_message" json:"exception_message"`
	CreatedAt        int64           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        int64           `gorm:"column:updated_at" json:"updated_at"`
}

func (ConnectorInstancePo) TableName() string {
	return "connector_instance"
}

// ArchivedConnectorInstancePo 容器结束后的只读副本
type ArchivedConnectorInstancePo struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SourceObjectID   int64           `gorm:"column:source_object_id;index" json:"source_object_id"`
	TenantID         int64           `gorm:"column:tenant_id" json:"tenant_id"`
	ContainerID      int64           `gorm:"column:container_id;index:idx_arch_connector_container" json:"container_id"`
	ContainerType    ContainerType   `gorm:"column:container_type;index:idx_arch_connector_container" json:"container_type"`
	Name             string          `gorm:"column:name" json:"name"`
	ConnectorID      string          `gorm:"column:connector_id" json:"connector_id"`
	Version          string          `gorm:"column:version" json:"version"`
	ActivationEvent  ActivationEvent `gorm:"column:activation_event" json:"activation_event"`
	FailAction       FailAction      `gorm:"column:fail_action" json:"fail_action"`
	ExecutionOrder   int             `gorm:"column:execution_order" json:"execution_order"`
	State            ConnectorState  `gorm:"column:state" json:"state"`
	ExceptionMessage string          `gorm:"column:exception_message" json:"exception_message"`
	ArchiveDate      int64           `gorm:"column:archive_date" json:"archive_date"`
}

func (ArchivedConnectorInstancePo) TableName() string {
	return "arch_connector_instance"
}

type QueryConnectorInstanceParams struct {
	ContainerID     *int64           `json:"container_id"`
	ContainerType   *ContainerType   `json:"container_type"`
	ActivationEvent *ActivationEvent `json:"activation_event"`
	StateIn         []ConnectorState `json:"state_in"`
	Page            *Pager           `json:"page"`
}

type UpdateConnectorInstanceField struct {
	State            *ConnectorState `json:"state"`
	ExceptionMessage *string         `json:"exception_message"`
}

// 同一个容器内: ON_ENTER 在 ON_FINISH 前面, 然后按声明顺序
func orderConnectors(db *gorm.DB) *gorm.DB {
	return db.Order("CASE activation_event WHEN 'ON_ENTER' THEN 0 ELSE 1 END").
		Order("execution_order asc").
		Order("id asc")
}

func (s *GormStore) CreateConnectorInstance(ctx context.Context, po *ConnectorInstancePo) (*ConnectorInstancePo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil ConnectorInstancePo")
	}
	if po.State == "" {
		po.State = ConnectorStateToBeExecuted
	}
	if po.FailAction == "" {
		po.FailAction = FailActionFail
	}
	po.CreatedAt = time.Now().Unix()
	po.UpdatedAt = po.CreatedAt
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateConnectorInstance failed")
	}
	return po, nil
}

func (s *GormStore) GetConnectorInstance(ctx context.Context, id int64) (*ConnectorInstancePo, error) {
	po := &ConnectorInstancePo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetConnectorInstance failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) QueryConnectorInstances(ctx context.Context, param *QueryConnectorInstanceParams) ([]*ConnectorInstancePo, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil QueryConnectorInstanceParams")
	}
	db := s.GetDBWithContext(ctx).Model(&ConnectorInstancePo{})
	if param.ContainerID != nil {
		db = db.Where("container_id = ?", *param.ContainerID)
	}
	if param.ContainerType != nil {
		db = db.Where("container_type = ?", *param.ContainerType)
	}
	if param.ActivationEvent != nil {
		db = db.Where("activation_event = ?", *param.ActivationEvent)
	}
	if len(param.StateIn) != 0 {
		db = db.Where("state IN ?", param.StateIn)
	}
	db = param.Page.apply(orderConnectors(db))
	pos := make([]*ConnectorInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryConnectorInstances failed")
	}
	return pos, nil
}

// QueryConnectorInstancesToRestart 按 id 分页查询租户下执行中断的连接器
func (s *GormStore) QueryConnectorInstancesToRestart(ctx context.Context, tenantID int64, idGreaterThan int64, limit int) ([]*ConnectorInstancePo, error) {
	if limit <= 0 {
		limit = 100
	}
	pos := make([]*ConnectorInstancePo, 0)
	err := s.GetDBWithContext(ctx).
		Where("tenant_id = ? AND id > ?", tenantID, idGreaterThan).
		Where("state = ?", ConnectorStateExecuting).
		Order("id asc").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryConnectorInstancesToRestart failed")
	}
	return pos, nil
}

// NextConnectorInstance 下一个待执行的连接器, 没有返回 nil, nil
func (s *GormStore) NextConnectorInstance(ctx context.Context, containerID int64, containerType ContainerType, activationEvent ActivationEvent) (*ConnectorInstancePo, error) {
	pos, err := s.QueryConnectorInstances(ctx, &QueryConnectorInstanceParams{
		ContainerID:     &containerID,
		ContainerType:   &containerType,
		ActivationEvent: &activationEvent,
		StateIn:         []ConnectorState{ConnectorStateToBeExecuted},
		Page:            &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "NextConnectorInstance failed, containerID: %d", containerID)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0], nil
}

func (s *GormStore) UpdateConnectorInstance(ctx context.Context, id int64, fields *UpdateConnectorInstanceField) error {
	if fields == nil {
		return errors.WithMessage(ErrInvalidParam, "nil UpdateConnectorInstanceField")
	}
	updateFields := make(map[string]any)
	if fields.State != nil {
		updateFields["state"] = *fields.State
	}
	if fields.ExceptionMessage != nil {
		updateFields["exception_message"] = *fields.ExceptionMessage
	}
	if len(updateFields) == 0 {
		return errors.WithMessage(ErrInvalidParam, "no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	if err := s.GetDBWithContext(ctx).Model(&ConnectorInstancePo{}).Where("id = ?", id).Updates(updateFields).Error; err != nil {
		return errors.WithMessagef(err, "UpdateConnectorInstance failed, id: %d", id)
	}
	return nil
}

// ArchiveConnectorInstances 归档容器下所有连接器, 返回归档数量
func (s *GormStore) ArchiveConnectorInstances(ctx context.Context, containerID int64, containerType ContainerType) (int, error) {
	count := 0
	err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		pos, err := s.QueryConnectorInstances(ctx, &QueryConnectorInstanceParams{
			ContainerID:   &containerID,
			ContainerType: &containerType,
		})
		if err != nil {
			return err
		}
		if len(pos) == 0 {
			return nil
		}
		now := time.Now().UnixMilli()
		archived := make([]*ArchivedConnectorInstancePo, 0, len(pos))
		ids := make([]int64, 0, len(pos))
		for _, po := range pos {
			archived = append(archived, &ArchivedConnectorInstancePo{
				SourceObjectID:   po.ID,
				TenantID:         po.TenantID,
				ContainerID:      po.ContainerID,
				ContainerType:    po.ContainerType,
				Name:             po.Name,
				ConnectorID:      po.ConnectorID,
				Version:          po.Version,
				ActivationEvent:  po.ActivationEvent,
				FailAction:       po.FailAction,
				ExecutionOrder:   po.ExecutionOrder,
				State:            po.State,
				ExceptionMessage: po.ExceptionMessage,
				ArchiveDate:      now,
			})
			ids = append(ids, po.ID)
		}
		if err := s.GetDBWithContext(ctx).Create(&archived).Error; err != nil {
			return errors.WithMessage(err, "create archived connector instances failed")
		}
		if err := s.GetDBWithContext(ctx).Where("id IN ?", ids).Delete(&ConnectorInstancePo{}).Error; err != nil {
			return errors.WithMessage(err, "delete connector instances failed")
		}
		count = len(pos)
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "ArchiveConnectorInstances failed, containerID: %d", containerID)
	}
	return count, nil
}

func (s *GormStore) QueryArchivedConnectorInstances(ctx context.Context, containerID int64, containerType ContainerType) ([]*ArchivedConnectorInstancePo, error) {
	pos := make([]*ArchivedConnectorInstancePo, 0)
	db := s.GetDBWithContext(ctx).Where("container_id = ? AND container_type = ?", containerID, containerType)
	if err := orderConnectors(db).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "QueryArchivedConnectorInstances failed, containerID: %d", containerID)
	}
	return pos, nil
}
