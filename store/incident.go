package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// IncidentPo 无法自动恢复的失败, 需要人工处理
type IncidentPo struct {
	ID                string `gorm:"column:id;primaryKey;size:36" json:"id"`
	TenantID          int64  `gorm:"column:tenant_id;index" json:"tenant_id"`
	Description       string `gorm:"column:description" json:"description"`
	RecoveryProcedure string `gorm:"column:recovery_procedure" json:"recovery_procedure"`
	Cause             string `gorm:"column:cause" json:"cause"`
	CauseOfCause      string `gorm:"column:cause_of_cause" json:"cause_of_cause"`
	CreatedAt         int64  `gorm:"column:created_at" json:"created_at"`
}

func (IncidentPo) TableName() string {
	return "incident"
}

func (s *GormStore) CreateIncident(ctx context.Context, po *IncidentPo) error {
	if po == nil || po.ID == "" {
		return errors.WithMessage(ErrInvalidParam, "CreateIncident need id")
	}
	if po.CreatedAt == 0 {
		po.CreatedAt = time.Now().UnixMilli()
	}
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return errors.WithMessagef(err, "CreateIncident failed, id: %s", po.ID)
	}
	return nil
}

func (s *GormStore) QueryIncidents(ctx context.Context, tenantID int64) ([]*IncidentPo, error) {
	pos := make([]*IncidentPo, 0)
	err := s.GetDBWithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryIncidents failed, tenantID: %d", tenantID)
	}
	return pos, nil
}
