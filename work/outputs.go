package work

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ConnectorOutputs 连接器输出, 支持按路径读取嵌套的值
type ConnectorOutputs struct {
	data map[string]any
}

func NewConnectorOutputs(m map[string]any) *ConnectorOutputs {
	if m == nil {
		m = make(map[string]any)
	}
	return &ConnectorOutputs{data: m}
}

// ParseConnectorOutputs 从 json 构造, 数字为 float64
func ParseConnectorOutputs(b []byte) (*ConnectorOutputs, error) {
	m := make(map[string]any)
	if len(b) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, errors.WithMessage(err, "parse connector outputs failed")
		}
	}
	return &ConnectorOutputs{data: m}, nil
}

// Get 例如 Get("body", "id") 读取 body.id
func (o *ConnectorOutputs) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(o.data)
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// Lookup 先按完整的名字找, 找不到再按 "." 分隔的路径找
func (o *ConnectorOutputs) Lookup(name string) (any, bool) {
	if v, ok := o.data[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	return o.Get(strings.Split(name, ".")...)
}

func (o *ConnectorOutputs) GetString(keys ...string) (string, bool) {
	v, ok := o.Get(keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (o *ConnectorOutputs) GetInt64(keys ...string) (int64, bool) {
	v, ok := o.Get(keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Set 中间路径不存在或者不是对象时会被覆盖成对象
func (o *ConnectorOutputs) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("empty output path")
	}
	current := o.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (o *ConnectorOutputs) ToMap() map[string]any {
	return o.data
}
