package store

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidParam   = errors.New("invalid store param")
)

// IsNotFound 判断是否是记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// Pager 分页参数, Page 从1开始
type Pager struct {
	Page int64 `json:"page"`
	Size int64 `json:"size"`
}

func (p *Pager) apply(db *gorm.DB) *gorm.DB {
	if p == nil {
		return db
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = 10
	}
	return db.Offset(int(p.Page-1) * int(p.Size)).Limit(int(p.Size))
}

// GormStore 基于 gorm 的持久化实现, 同时实现了 TransactionService
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Models 需要 AutoMigrate 的全部表
func Models() []any {
	return []any{
		&ProcessInstancePo{},
		&FlowNodeInstancePo{},
		&ConnectorInstancePo{},
		&ArchivedConnectorInstancePo{},
		&MessageInstancePo{},
		&MessageDataPo{},
		&WaitingMessageEventPo{},
		&WaitingSignalEventPo{},
		&DataInstancePo{},
		&IncidentPo{},
		&JobDescriptorPo{},
		&JobParameterPo{},
		&JobLogPo{},
	}
}

// AutoMigrate 建表
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(Models()...); err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.WithMessagef(ErrRecordNotFound, format, args...)
	}
	return errors.WithMessagef(err, format, args...)
}
