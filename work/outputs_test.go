package work

import (
	"context"
	"testing"

	"github.com/blingmoon/workexec/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectorOutputs(t *testing.T) {
	t.Run("读写嵌套路径", func(t *testing.T) {
		o := NewConnectorOutputs(nil)
		require.NoError(t, o.Set([]string{"body", "user", "name"}, "张三"))
		require.NoError(t, o.Set([]string{"status"}, int64(200)))

		name, ok := o.GetString("body", "user", "name")
		assert.True(t, ok)
		assert.Equal(t, "张三", name)
		status, ok := o.GetInt64("status")
		assert.True(t, ok)
		assert.Equal(t, int64(200), status)

		_, ok = o.Get("body", "missing")
		assert.False(t, ok)
		_, ok = o.Get("status", "code")
		assert.False(t, ok)
		assert.Error(t, o.Set(nil, 1))
	})

	t.Run("从json解析", func(t *testing.T) {
		o, err := ParseConnectorOutputs([]byte(`{"body":{"id":42,"tags":["a"]}}`))
		require.NoError(t, err)
		id, ok := o.GetInt64("body", "id")
		assert.True(t, ok)
		assert.Equal(t, int64(42), id)

		_, err = ParseConnectorOutputs([]byte(`{`))
		assert.Error(t, err)
	})

	t.Run("完整名字优先于路径", func(t *testing.T) {
		o := NewConnectorOutputs(map[string]any{
			"a.b": "flat",
			"a":   map[string]any{"b": "nested", "c": "only nested"},
		})
		v, ok := o.Lookup("a.b")
		assert.True(t, ok)
		assert.Equal(t, "flat", v)
		v, ok = o.Lookup("a.c")
		assert.True(t, ok)
		assert.Equal(t, "only nested", v)
		_, ok = o.Lookup("x")
		assert.False(t, ok)
	})
}

func TestOutputOperationPath(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.registry.Register(0, &ConnectorDefinition{
		ID:      "nested",
		Version: "1.0",
		Connector: ConnectorFunc(func(ctx context.Context, call *ConnectorCall) (map[string]any, error) {
			return map[string]any{"body": map[string]any{"id": "order-1"}}, nil
		}),
		Outputs: []OutputOperation{{DataName: "orderId", Output: "body.id"}},
	}))
	instance := &store.ConnectorInstancePo{ContainerID: 1, ContainerType: store.ContainerTypeProcess, ConnectorID: "nested", Version: "1.0"}
	loader, err := env.registry.ClassLoader(ctx, 0)
	require.NoError(t, err)
	connectors := env.services.ConnectorService

	result, err := connectors.ExecuteConnector(ctx, loader, instance)
	require.NoError(t, err)
	require.NoError(t, connectors.ExecuteOutputOperations(ctx, loader, instance, result))

	data, err := env.store.GetDataInstance(ctx, 1, store.ContainerTypeProcess, "orderId")
	require.NoError(t, err)
	assert.Equal(t, `"order-1"`, string(data.Value))
}
