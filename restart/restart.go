package restart

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// Handler 租户启动时恢复崩溃前没做完的 work
//   - BeforeServicesStart: 修正不一致的状态, 记录需要恢复的对象
//   - AfterServicesStart: 重新注册 work
type Handler interface {
	Name() string
	BeforeServicesStart(ctx context.Context, tenantID int64) error
	AfterServicesStart(ctx context.Context, tenantID int64) error
}

// TenantRestarter 先执行全部 BeforeServicesStart, 再按同样的顺序执行 AfterServicesStart
type TenantRestarter struct {
	handlers []Handler
	logger   *slog.Logger
}

func NewTenantRestarter(logger *slog.Logger, handlers ...Handler) *TenantRestarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantRestarter{
		handlers: handlers,
		logger:   logger.With("component", "tenant-restarter"),
	}
}

func (r *TenantRestarter) Restart(ctx context.Context, tenantID int64) error {
	for _, h := range r.handlers {
		if err := h.BeforeServicesStart(ctx, tenantID); err != nil {
			return errors.WithMessagef(err, "restart handler %s before services start, tenant: %d", h.Name(), tenantID)
		}
	}
	for _, h := range r.handlers {
		if err := h.AfterServicesStart(ctx, tenantID); err != nil {
			return errors.WithMessagef(err, "restart handler %s after services start, tenant: %d", h.Name(), tenantID)
		}
	}
	r.logger.InfoContext(ctx, fmt.Sprintf("tenant %d restarted with %d handlers", tenantID, len(r.handlers)))
	return nil
}

// pending 按租户暂存 BeforeServicesStart 找到的 id
type pending struct {
	mu  sync.Mutex
	ids map[int64][]int64
}

func newPending() *pending {
	return &pending{ids: make(map[int64][]int64)}
}

func (p *pending) add(tenantID int64, ids ...int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[tenantID] = append(p.ids[tenantID], ids...)
}

func (p *pending) take(tenantID int64) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.ids[tenantID]
	delete(p.ids, tenantID)
	return ids
}

func batches(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = 100
	}
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
