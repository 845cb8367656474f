package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("默认值", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, 8, cfg.Work.PoolSize)
		assert.Equal(t, 200*time.Millisecond, cfg.Work.RejectRetryDelay)
		assert.Equal(t, 5*time.Minute, cfg.Connector.Timeout)
		assert.Equal(t, "local", cfg.Lock.Backend)
	})

	t.Run("配置文件和环境变量", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "workexec.yaml")
		content := "work:\n  pool_size: 3\nconnector:\n  max_output_bytes: 64\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		t.Setenv("WORKEXEC_LOCK_TTL", "3s")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Work.PoolSize)
		assert.Equal(t, 64, cfg.Connector.MaxOutputBytes)
		assert.Equal(t, 3*time.Second, cfg.Lock.TTL)
	})

	t.Run("非法配置", func(t *testing.T) {
		t.Setenv("WORKEXEC_LOCK_BACKEND", "zookeeper")
		_, err := Load("")
		assert.True(t, errors.Is(err, ErrConfigInvalid))
	})
}
