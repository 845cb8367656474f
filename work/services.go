package work

import (
	"context"
	"log/slog"

	"github.com/blingmoon/workexec/config"
	"github.com/blingmoon/workexec/incident"
	"github.com/blingmoon/workexec/lock"
	"github.com/blingmoon/workexec/store"
	"go.opentelemetry.io/otel/trace"
)

// Services work 执行时用到的全部服务, 由 ServiceContextLayer 放入 ctx
type Services struct {
	Config    *config.Config
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Tx        store.TransactionService
	Locks     lock.Service
	Incidents incident.Service

	ProcessInstances store.ProcessInstanceRepo
	FlowNodes        store.FlowNodeInstanceRepo
	Connectors       store.ConnectorInstanceRepo
	Messages         store.MessageRepo
	Signals          store.SignalRepo

	ConnectorService ConnectorService
	ClassLoaders     ClassLoaderService
	FlowNodeExecutor FlowNodeExecutor
	ProcessExecutor  ProcessExecutor
	EventsHandler    EventsHandler

	// Works 构造 WorkService 之后回填
	Works Registrar
}

// NewServicesFromStore 用同一个 GormStore 填充全部持久化服务
func NewServicesFromStore(cfg *config.Config, s *store.GormStore, locks lock.Service, incidents incident.Service) *Services {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Services{
		Config:           cfg,
		Logger:           slog.Default(),
		Tx:               s,
		Locks:            locks,
		Incidents:        incidents,
		ProcessInstances: s,
		FlowNodes:        s,
		Connectors:       s,
		Messages:         s,
		Signals:          s,
	}
}

type contextKey string

const (
	servicesContextKey contextKey = "services"
	tenantContextKey   contextKey = "tenant"
)

func WithServices(ctx context.Context, services *Services) context.Context {
	return context.WithValue(ctx, servicesContextKey, services)
}

func ServicesFromContext(ctx context.Context) (*Services, bool) {
	s, ok := ctx.Value(servicesContextKey).(*Services)
	return s, ok && s != nil
}

func WithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// TenantFromContext 没有设置时返回0
func TenantFromContext(ctx context.Context) int64 {
	tenantID, _ := ctx.Value(tenantContextKey).(int64)
	return tenantID
}
