package incident

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blingmoon/workexec/store"
	"github.com/google/uuid"
)

// Incident 无法自动恢复的失败
type Incident struct {
	ID                string
	TenantID          int64
	Description       string
	RecoveryProcedure string
	Cause             error
	CauseOfCause      error
	CreatedAt         time.Time
}

type Service interface {
	// Report 记录 incident, 不会返回错误, 记录失败只打日志
	Report(ctx context.Context, incident *Incident)
}

// NewService 持久化到 repo, repo 为 nil 时只打日志
func NewService(repo store.IncidentRepo, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &incidentService{
		repo:   repo,
		logger: logger.With("component", "incident"),
	}
}

type incidentService struct {
	repo   store.IncidentRepo
	logger *slog.Logger
}

func (s *incidentService) Report(ctx context.Context, incident *Incident) {
	if incident == nil {
		return
	}
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now()
	}
	s.logger.ErrorContext(ctx, "incident reported",
		"id", incident.ID,
		"tenant_id", incident.TenantID,
		"description", incident.Description,
		"recovery_procedure", incident.RecoveryProcedure,
		"cause", errString(incident.Cause),
		"cause_of_cause", errString(incident.CauseOfCause),
	)
	if s.repo == nil {
		return
	}
	// 调用方需要保证不在会回滚的事务里上报
	err := s.repo.CreateIncident(ctx, &store.IncidentPo{
		ID:                incident.ID,
		TenantID:          incident.TenantID,
		Description:       incident.Description,
		RecoveryProcedure: incident.RecoveryProcedure,
		Cause:             errString(incident.Cause),
		CauseOfCause:      errString(incident.CauseOfCause),
		CreatedAt:         incident.CreatedAt.UnixMilli(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, fmt.Sprintf("persist incident %s failed, err: %v", incident.ID, err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
