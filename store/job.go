package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type JobDescriptorPo struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID     int64  `gorm:"column:tenant_id;uniqueIndex:uk_job_tenant_name" json:"tenant_id"`
	JobClassName string `gorm:"column:job_class_name" json:"job_class_name" validate:"required"`
	JobName      string `gorm:"column:job_name;uniqueIndex:uk_job_tenant_name" json:"job_name" validate:"required"`
	Description  string `gorm:"column:description" json:"description"`
	CreatedAt    int64  `gorm:"column:created_at" json:"created_at"`
}

func (JobDescriptorPo) TableName() string {
	return "job_descriptor"
}

type JobParameterPo struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobDescriptorID int64  `gorm:"column:job_descriptor_id;index" json:"job_descriptor_id" validate:"required,gt=0"`
	Key             string `gorm:"column:key_" json:"key" validate:"required"`
	Value           []byte `gorm:"column:value" json:"value"` // json
}

func (JobParameterPo) TableName() string {
	return "job_param"
}

type JobLogPo struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobDescriptorID int64  `gorm:"column:job_descriptor_id;index" json:"job_descriptor_id" validate:"required,gt=0"`
	RetryNumber     int64  `gorm:"column:retry_number" json:"retry_number" validate:"gte=0"`
	LastUpdateDate  int64  `gorm:"column:last_update_date" json:"last_update_date"` // 毫秒
	LastMessage     string `gorm:"column:last_message" json:"last_message"`
}

func (JobLogPo) TableName() string {
	return "job_log"
}

type UpdateJobLogField struct {
	RetryNumber    *int64  `json:"retry_number"`
	LastUpdateDate *int64  `json:"last_update_date"`
	LastMessage    *string `json:"last_message"`
}

func (s *GormStore) CreateJobDescriptor(ctx context.Context, po *JobDescriptorPo) (*JobDescriptorPo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil JobDescriptorPo")
	}
	po.CreatedAt = time.Now().Unix()
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessagef(err, "CreateJobDescriptor failed, jobName: %s", po.JobName)
	}
	return po, nil
}

func (s *GormStore) GetJobDescriptor(ctx context.Context, id int64) (*JobDescriptorPo, error) {
	po := &JobDescriptorPo{}
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetJobDescriptor failed, id: %d", id)
	}
	return po, nil
}

func (s *GormStore) GetJobDescriptorByName(ctx context.Context, tenantID int64, jobName string) (*JobDescriptorPo, error) {
	po := &JobDescriptorPo{}
	if err := s.GetDBWithContext(ctx).Where("tenant_id = ? AND job_name = ?", tenantID, jobName).First(po).Error; err != nil {
		return nil, notFoundOr(err, "GetJobDescriptorByName failed, jobName: %s", jobName)
	}
	return po, nil
}

// DeleteJobDescriptor 级联删除参数和日志
func (s *GormStore) DeleteJobDescriptor(ctx context.Context, id int64) error {
	err := s.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		if err := s.DeleteJobParameters(ctx, id); err != nil {
			return err
		}
		if err := s.GetDBWithContext(ctx).Where("job_descriptor_id = ?", id).Delete(&JobLogPo{}).Error; err != nil {
			return errors.WithMessage(err, "delete job logs failed")
		}
		return s.GetDBWithContext(ctx).Where("id = ?", id).Delete(&JobDescriptorPo{}).Error
	})
	if err != nil {
		return errors.WithMessagef(err, "DeleteJobDescriptor failed, id: %d", id)
	}
	return nil
}

func (s *GormStore) CreateJobParameters(ctx context.Context, pos []*JobParameterPo) error {
	if len(pos) == 0 {
		return nil
	}
	if err := s.GetDBWithContext(ctx).Create(&pos).Error; err != nil {
		return errors.WithMessage(err, "CreateJobParameters failed")
	}
	return nil
}

func (s *GormStore) GetJobParameters(ctx context.Context, jobDescriptorID int64) ([]*JobParameterPo, error) {
	pos := make([]*JobParameterPo, 0)
	err := s.GetDBWithContext(ctx).Where("job_descriptor_id = ?", jobDescriptorID).Order("id asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetJobParameters failed, jobDescriptorID: %d", jobDescriptorID)
	}
	return pos, nil
}

func (s *GormStore) DeleteJobParameters(ctx context.Context, jobDescriptorID int64) error {
	err := s.GetDBWithContext(ctx).Where("job_descriptor_id = ?", jobDescriptorID).Delete(&JobParameterPo{}).Error
	if err != nil {
		return errors.WithMessagef(err, "DeleteJobParameters failed, jobDescriptorID: %d", jobDescriptorID)
	}
	return nil
}

func (s *GormStore) CreateJobLog(ctx context.Context, po *JobLogPo) (*JobLogPo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrInvalidParam, "nil JobLogPo")
	}
	if err := s.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessagef(err, "CreateJobLog failed, jobDescriptorID: %d", po.JobDescriptorID)
	}
	return po, nil
}

func (s *GormStore) UpdateJobLog(ctx context.Context, id int64, fields *UpdateJobLogField) error {
	if fields == nil {
		return errors.WithMessage(ErrInvalidParam, "nil UpdateJobLogField")
	}
	updateFields := make(map[string]any)
	if fields.RetryNumber != nil {
		updateFields["retry_number"] = *fields.RetryNumber
	}
	if fields.LastUpdateDate != nil {
		updateFields["last_update_date"] = *fields.LastUpdateDate
	}
	if fields.LastMessage != nil {
		updateFields["last_message"] = *fields.LastMessage
	}
	if len(updateFields) == 0 {
		return errors.WithMessage(ErrInvalidParam, "no fields to update")
	}
	if err := s.GetDBWithContext(ctx).Model(&JobLogPo{}).Where("id = ?", id).Updates(updateFields).Error; err != nil {
		return errors.WithMessagef(err, "UpdateJobLog failed, id: %d", id)
	}
	return nil
}

func (s *GormStore) GetJobLogs(ctx context.Context, jobDescriptorID int64) ([]*JobLogPo, error) {
	pos := make([]*JobLogPo, 0)
	err := s.GetDBWithContext(ctx).Where("job_descriptor_id = ?", jobDescriptorID).Order("id asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetJobLogs failed, jobDescriptorID: %d", jobDescriptorID)
	}
	return pos, nil
}

func (s *GormStore) DeleteJobLog(ctx context.Context, id int64) error {
	if err := s.GetDBWithContext(ctx).Where("id = ?", id).Delete(&JobLogPo{}).Error; err != nil {
		return errors.WithMessagef(err, "DeleteJobLog failed, id: %d", id)
	}
	return nil
}
