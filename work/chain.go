package work

import (
	"context"
	"slices"
)

// Layer 横切关注点, next 是链上剩下的部分
type Layer interface {
	Name() string
	Work(ctx context.Context, next Work) (Result, error)
	HandleFailure(ctx context.Context, cause error, next Work) error
}

// describer 可以给描述追加上下文的 layer
type describer interface {
	Describe(desc string) string
}

// Chain 有序的 layer 列表加上叶子 work, 下标0是最外层
type Chain struct {
	layers []Layer
	leaf   Work
}

func NewChain(leaf Work, layers ...Layer) *Chain {
	return &Chain{layers: slices.Clone(layers), leaf: leaf}
}

var _ Work = (*Chain)(nil)

func (c *Chain) Work(ctx context.Context) (Result, error) {
	return c.at(0).Work(ctx)
}

func (c *Chain) HandleFailure(ctx context.Context, cause error) error {
	return c.at(0).HandleFailure(ctx, cause)
}

func (c *Chain) Description() string {
	return c.at(0).Description()
}

func (c *Chain) RecoveryProcedure() string {
	return c.leaf.RecoveryProcedure()
}

func (c *Chain) TenantID() int64 {
	return c.leaf.TenantID()
}

func (c *Chain) SetTenantID(tenantID int64) {
	c.leaf.SetTenantID(tenantID)
}

func (c *Chain) Leaf() Work {
	return c.leaf
}

func (c *Chain) Layers() []Layer {
	return slices.Clone(c.layers)
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.layers))
	for _, l := range c.layers {
		names = append(names, l.Name())
	}
	return names
}

func (c *Chain) Has(name string) bool {
	return c.Find(name) != nil
}

func (c *Chain) Find(name string) Layer {
	for _, l := range c.layers {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

func (c *Chain) at(i int) Work {
	if i >= len(c.layers) {
		return c.leaf
	}
	return &link{chain: c, index: i}
}

// link 把 layers[index:] + leaf 当成一个 Work
type link struct {
	chain *Chain
	index int
}

func (l *link) Work(ctx context.Context) (Result, error) {
	return l.chain.layers[l.index].Work(ctx, l.chain.at(l.index+1))
}

func (l *link) HandleFailure(ctx context.Context, cause error) error {
	return l.chain.layers[l.index].HandleFailure(ctx, cause, l.chain.at(l.index+1))
}

func (l *link) Description() string {
	desc := l.chain.at(l.index + 1).Description()
	if d, ok := l.chain.layers[l.index].(describer); ok {
		return d.Describe(desc)
	}
	return desc
}

func (l *link) RecoveryProcedure() string {
	return l.chain.leaf.RecoveryProcedure()
}

func (l *link) TenantID() int64 {
	return l.chain.leaf.TenantID()
}

func (l *link) SetTenantID(tenantID int64) {
	l.chain.leaf.SetTenantID(tenantID)
}
