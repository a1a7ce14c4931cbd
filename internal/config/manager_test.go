package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Watch = []WatchDirConfig{
		{Path: "/downloads/movies", Mode: ModeVFS, TargetDir: "/library/movies"},
	}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantErr     bool
		errContains string
	}{
		{
			name:   "defaults with one watch dir",
			mutate: func(c *Config) {},
		},
		{
			name:        "unknown mode",
			mutate:      func(c *Config) { c.Watch[0].Mode = "stream" },
			wantErr:     true,
			errContains: "mode must be one of",
		},
		{
			name:        "missing target dir",
			mutate:      func(c *Config) { c.Watch[0].TargetDir = "" },
			wantErr:     true,
			errContains: "target_dir",
		},
		{
			name:        "inverted port range",
			mutate:      func(c *Config) { c.VFS.PortRangeStart, c.VFS.PortRangeEnd = 9000, 8000 },
			wantErr:     true,
			errContains: "port range",
		},
		{
			name:        "pointer extension collides with media",
			mutate:      func(c *Config) { c.VFS.PointerExtension = ".mkv" },
			wantErr:     true,
			errContains: "collides",
		},
		{
			name:        "zero stabilization",
			mutate:      func(c *Config) { c.Scanner.StabilizationInterval = 0 },
			wantErr:     true,
			errContains: "stabilization_interval",
		},
		{
			name:        "bad log level",
			mutate:      func(c *Config) { c.Log.Level = "trace" },
			wantErr:     true,
			errContains: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDefaultConfig_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(8)<<30, cfg.Dispatch.LargeContentBytes)
	assert.Equal(t, 15, cfg.Dispatch.LargeVolumeCount)
	assert.Equal(t, int64(15)<<30, cfg.Dispatch.HugeContentBytes)
	assert.Equal(t, int64(5)<<30, cfg.Dispatch.DirectWarningBytes)
}

func TestConfig_DeepCopy(t *testing.T) {
	cfg := validConfig()
	cp := cfg.DeepCopy()

	cp.Watch[0].Path = "/elsewhere"
	*cp.UPnP.Enabled = false
	cp.VFS.MediaExtensions[0] = ".xyz"

	assert.Equal(t, "/downloads/movies", cfg.Watch[0].Path)
	assert.True(t, *cfg.UPnP.Enabled)
	assert.Equal(t, ".mkv", cfg.VFS.MediaExtensions[0])
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	cfg.Scanner.RetryInterval = 90 * time.Second
	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, loaded.Scanner.RetryInterval)
	require.Len(t, loaded.Watch, 1)
	assert.Equal(t, ModeVFS, loaded.Watch[0].Mode)
	assert.Equal(t, "/library/movies", loaded.Watch[0].TargetDir)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
watch:
  - path: /in
    mode: extract
    target_dir: /out
scanner:
  stabilization_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Scanner.StabilizationInterval)
	assert.Equal(t, 60*time.Second, cfg.Scanner.RetryInterval)
	assert.Equal(t, ".strm", cfg.VFS.PointerExtension)
}

func TestManager_UpdateConfig(t *testing.T) {
	m := NewManager(validConfig(), "")

	var gotOld, gotNew *Config
	m.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld, gotNew = oldConfig, newConfig
	})

	next := validConfig()
	next.Queue.MaxAttempts = 7
	require.NoError(t, m.UpdateConfig(next))

	require.NotNil(t, gotOld)
	assert.Equal(t, 3, gotOld.Queue.MaxAttempts)
	assert.Equal(t, 7, gotNew.Queue.MaxAttempts)
	assert.Equal(t, 7, m.GetConfigGetter()().Queue.MaxAttempts)

	locked := validConfig()
	locked.Database.Path = "other.db"
	assert.Error(t, m.UpdateConfig(locked))
}

func TestManager_WatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	require.NoError(t, SaveToFile(cfg, path))

	m := NewManager(cfg, path)
	levels := make(chan string, 4)
	m.OnConfigChange(func(_, newConfig *Config) {
		select {
		case levels <- newConfig.Log.Level:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	invalid := validConfig()
	invalid.Quarantine.Dir = ""
	require.NoError(t, SaveToFile(invalid, path))

	next := validConfig()
	next.Log.Level = "debug"
	time.Sleep(2 * reloadDebounce)
	require.NoError(t, SaveToFile(next, path))

	select {
	case level := <-levels:
		assert.Equal(t, "debug", level)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "debug", m.GetConfig().Log.Level)
	assert.Equal(t, "./quarantine", m.GetConfig().Quarantine.Dir)
}
