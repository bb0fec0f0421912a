package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeINI(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobmon.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("JOBMON_TEST_UNSET", "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8070, cfg.Server.Port)
	assert.Equal(t, []string{"v2", "v3"}, cfg.Server.Versions)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 10, cfg.DB.PoolSize)
	assert.Equal(t, 30, cfg.DB.PoolTimeoutSeconds)
	assert.Equal(t, 5, cfg.Reaper.PollIntervalMinutes)
	assert.Equal(t, 3, cfg.Reaper.GracePeriodMultiplier)
	assert.Equal(t, "sequential", cfg.Distributor.Cluster)
	assert.Equal(t, 500, cfg.Distributor.BatchSize)
	assert.Equal(t, "http://localhost:8070", cfg.Client.ServerURL)
	assert.Equal(t, "v3", cfg.Client.APIVersion)
	assert.False(t, cfg.Events.Enabled)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	path := writeINI(t, `
[auth]
enabled = true

[db]
sqlalchemy_database_uri = postgres://wf:wf@dbhost:5432/jobmon
max_overflow = 5
`)
	t.Setenv("JOBMON__AUTH__ENABLED", "false")
	t.Setenv("JOBMON__DB__POOL_SIZE", "20")

	loader := NewLoader("JOBMON")
	loader.SetConfigDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load(path, cfg))

	// Environment wins per key, file keys survive the merge.
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, 20, cfg.DB.PoolSize)
	assert.Equal(t, "postgres://wf:wf@dbhost:5432/jobmon", cfg.DB.DatabaseURI)
	assert.Equal(t, 5, cfg.DB.MaxOverflow)

	settings := loader.Settings()
	db, ok := settings["db"].(map[string]interface{})
	require.True(t, ok, "db section must be a mapping")
	assert.Equal(t, 20, db["pool_size"], "env integers must stay integers")
	assert.Equal(t, 5, db["max_overflow"], "file integers must stay integers")
}

func TestLoadPromotesPrimitiveUnderNestedSection(t *testing.T) {
	t.Setenv("JOBMON__AUTH", "legacy")
	t.Setenv("JOBMON__AUTH__ENABLED", "true")

	loader := NewLoader("JOBMON")
	loader.SetConfigDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load("", cfg))

	assert.True(t, cfg.Auth.Enabled)
	auth, ok := loader.Settings()["auth"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "legacy", auth[promotedKey])
}

func TestLoadExplicitMissingFile(t *testing.T) {
	loader := NewLoader("JOBMON")
	loader.SetConfigDefaults()
	err := loader.Load(filepath.Join(t.TempDir(), "absent.ini"), &Config{})
	assert.Error(t, err)
}

func TestCoerceScalar(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{name: "integer", raw: "10", want: 10},
		{name: "negative integer", raw: "-3", want: -3},
		{name: "float", raw: "0.5", want: 0.5},
		{name: "bool true", raw: "true", want: true},
		{name: "bool false", raw: "False", want: false},
		{name: "numeric one is an int", raw: "1", want: 1},
		{name: "uri", raw: "postgres://u:p@h:5432/db", want: "postgres://u:p@h:5432/db"},
		{name: "padded integer", raw: " 42 ", want: 42},
		{name: "yes stays a string", raw: "yes", want: "yes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := coerceScalar(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("coerceScalar(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		environ []string
		want    map[string]interface{}
	}{
		{
			name:    "nested key",
			environ: []string{"JOBMON__DB__POOL_SIZE=20"},
			want:    map[string]interface{}{"db": map[string]interface{}{"pool_size": 20}},
		},
		{
			name:    "top level key",
			environ: []string{"JOBMON__DEBUG=true"},
			want:    map[string]interface{}{"debug": true},
		},
		{
			name:    "primitive then nested promotes",
			environ: []string{"JOBMON__AUTH=legacy", "JOBMON__AUTH__ENABLED=true"},
			want: map[string]interface{}{
				"auth": map[string]interface{}{promotedKey: "legacy", "enabled": true},
			},
		},
		{
			name:    "nested then primitive keeps the section",
			environ: []string{"JOBMON__AUTH__ENABLED=true", "JOBMON__AUTH=legacy"},
			want: map[string]interface{}{
				"auth": map[string]interface{}{promotedKey: "legacy", "enabled": true},
			},
		},
		{
			name:    "unrelated variables ignored",
			environ: []string{"PATH=/usr/bin", "JOBMONSTER__X=1", "JOBMON__SERVER__PORT=8071"},
			want:    map[string]interface{}{"server": map[string]interface{}{"port": 8071}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := envOverrides("JOBMON", tt.environ)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("envOverrides() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMergeMaps(t *testing.T) {
	file := map[string]interface{}{
		"auth": map[string]interface{}{"enabled": true},
		"db":   map[string]interface{}{"pool_size": 10, "sqlalchemy_database_uri": "postgres://x"},
	}
	env := map[string]interface{}{
		"auth": "legacy",
		"db":   map[string]interface{}{"pool_size": 20},
	}

	got := mergeMaps(file, env)

	auth := got["auth"].(map[string]interface{})
	assert.Equal(t, true, auth["enabled"], "nested section wins over the primitive")
	assert.Equal(t, "legacy", auth[promotedKey])

	db := got["db"].(map[string]interface{})
	assert.Equal(t, 20, db["pool_size"], "env overrides per key")
	assert.Equal(t, "postgres://x", db["sqlalchemy_database_uri"], "file keys survive")

	// Inputs must stay untouched.
	assert.Equal(t, 10, file["db"].(map[string]interface{})["pool_size"])
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("JOBMON_TEST_UNSET", "")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Reaper.PollIntervalMinutes = 0
	assert.Error(t, ValidateConfig(cfg), "reaper cadence below one minute must be rejected")

	cfg = base()
	cfg.Reaper.GracePeriodMultiplier = 1
	assert.Error(t, ValidateConfig(cfg), "a grace period equal to the poll interval would reap healthy runs")

	cfg = base()
	cfg.Distributor.BatchSize = 20000
	assert.Error(t, ValidateConfig(cfg), "batch size above the bulk ceiling must be rejected")

	cfg = base()
	cfg.Server.Port = 0
	assert.Error(t, ValidateConfig(cfg))

	assert.NoError(t, ValidateConfig(base()))
}

func TestReaperDerivedDurations(t *testing.T) {
	r := &ReaperConfig{PollIntervalMinutes: 5, GracePeriodMultiplier: 3}
	assert.Equal(t, "5m0s", r.PollInterval().String())
	assert.Equal(t, "15m0s", r.GracePeriod().String())
}
