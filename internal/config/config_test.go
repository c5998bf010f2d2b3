package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("api.listen_address"))
	assert.Equal(t, 30*time.Second, v.GetDuration("api.read_timeout"))
	assert.Equal(t, true, v.GetBool("api.enable_cors"))

	assert.Equal(t, "postgres", v.GetString("database.driver"))
	assert.Equal(t, 25, v.GetInt("database.max_open_conns"))

	assert.Equal(t, "localhost", v.GetString("cache.host"))
	assert.Equal(t, 6379, v.GetInt("cache.port"))
	assert.Equal(t, 300, v.GetInt("cache.ttl_seconds"))
	assert.Equal(t, 1000, v.GetInt("cache.max_items"))

	assert.Equal(t, 24, v.GetInt("matrix.expiry_hours"))
	assert.Equal(t, 100, v.GetInt("matrix.batch_size"))
	assert.Equal(t, 100, v.GetInt("matrix.high_priority_threshold"))

	assert.Equal(t, 100*time.Millisecond, v.GetDuration("check.timeout"))
	assert.Equal(t, 100, v.GetInt("check.batch_max_size"))

	assert.Equal(t, 10, v.GetInt("warmup.threshold"))
	assert.Equal(t, time.Hour, v.GetDuration("warmup.window"))
	assert.Equal(t, 50, v.GetInt("warmup.batch_size"))

	assert.Equal(t, 2, v.GetInt("scheduler.nightly_sweep_hour"))
	assert.Equal(t, 9, v.GetInt("scheduler.daily_notice_hour"))
}

func TestConfig_UnmarshalProducesUsableDSNAndAddress(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "localhost:6379", cfg.Cache.Address())
	assert.Contains(t, cfg.Database.DSN(), "host=localhost")
	assert.Contains(t, cfg.Database.DSN(), "dbname=authz")
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Environment = "dev"
	assert.False(t, cfg.IsProduction())
}

func TestEnvVarOverridesDatabaseHost(t *testing.T) {
	dir, err := os.MkdirTemp("", "authz-config-test")
	if err != nil {
		t.Skip("could not create temporary directory")
	}
	defer os.RemoveAll(dir)

	configPath := filepath.Join(dir, "config.yaml")
	configContent := "api:\n  listen_address: \":9090\"\ndatabase:\n  host: \"original-host\"\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Skip("could not write test config file")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("AUTHZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	os.Setenv("AUTHZ_DATABASE_HOST", "override-host")
	defer os.Unsetenv("AUTHZ_DATABASE_HOST")

	require.NoError(t, v.ReadInConfig())

	assert.Equal(t, ":9090", v.GetString("api.listen_address"))
	assert.Equal(t, "override-host", v.GetString("database.host"))
}

func TestConfigFileNotFoundStillHasDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile("nonexistent-config-file.yaml")

	assert.Equal(t, ":8080", v.GetString("api.listen_address"))
	assert.Equal(t, 3, v.GetInt("cache.max_retries"))
}
