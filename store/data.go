package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DataInstancePo 流程/节点上的数据, 连接器输出映射的目标
type DataInstancePo struct {
	ID            int64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ContainerID   int64         `gorm:"column:container_id;uniqueIndex:uk_data_container_name" json:"container_id"`
	ContainerType ContainerType `gorm:"column:container_type;uniqueIndex:uk_data_container_name" json:"container_type"`
	Name          string        `gorm:"column:name;uniqueIndex:uk_data_container_name" json:"name"`
	Value         []byte        `gorm:"column:value" json:"value"` // json
	UpdatedAt     int64         `gorm:"column:updated_at" json:"updated_at"`
}

func (DataInstancePo) TableName() string {
	return "data_instance"
}

// SetDataInstance 不存在就创建, 存在就覆盖
func (s *GormStore) SetDataInstance(ctx context.Context, containerID int64, containerType ContainerType, name string, value []byte) error {
	if name == "" {
		return errors.WithMessage(ErrInvalidParam, "SetDataInstance empty name")
	}
	err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.GetDataInstance(ctx, containerID, containerType, name)
		if err != nil && !IsNotFound(err) {
			return err
		}
		now := time.Now().Unix()
		if existing == nil {
			return s.GetDBWithContext(ctx).Create(&DataInstancePo{
				ContainerID:   containerID,
				ContainerType: containerType,
				Name:          name,
				Value:         value,
				UpdatedAt:     now,
			}).Error
		}
		return s.GetDBWithContext(ctx).Model(&DataInstancePo{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"value":      value,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return errors.WithMessagef(err, "SetDataInstance failed, containerID: %d, name: %s", containerID, name)
	}
	return nil
}

func (s *GormStore) GetDataInstance(ctx context.Context, containerID int64, containerType ContainerType, name string) (*DataInstancePo, error) {
	po := &DataInstancePo{}
	err := s.GetDBWithContext(ctx).
		Where("container_id = ? AND container_type = ? AND name = ?", containerID, containerType, name).
		First(po).Error
	if err != nil {
		return nil, notFoundOr(err, "GetDataInstance failed, containerID: %d, name: %s", containerID, name)
	}
	return po, nil
}
