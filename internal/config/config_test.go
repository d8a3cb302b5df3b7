package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log:
  level: debug
  redact_pii: true

database:
  url: "postgres://localhost/audience"
  users_table: "crm.users"

redis:
  enabled: true
  addr: "redis:6379"
  members_ttl_seconds: 7200

snowflake:
  enabled: true
  account: "acct"
  events_table: "ANALYTICS.EVENTS"

aws:
  enabled: true
  history_table: "segment-history"
  archive_bucket: "segment-archive"

evaluation:
  workers: 8
  queue_size: 64
  timeout_seconds: 45
  stale_after_seconds: 600
  materialize_members: true
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.RedactPII)
	assert.Equal(t, "postgres://localhost/audience", cfg.Database.URL)
	assert.Equal(t, "crm.users", cfg.Database.UsersTable)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Redis.MembersTTL())
	assert.Equal(t, "ANALYTICS.EVENTS", cfg.Snowflake.EventsTable)
	assert.Equal(t, "segment-archive", cfg.AWS.ArchiveBucket)
	assert.Equal(t, 8, cfg.Evaluation.Workers)
	assert.Equal(t, 64, cfg.Evaluation.QueueSize)
	assert.Equal(t, 45*time.Second, cfg.Evaluation.Timeout())
	assert.Equal(t, 10*time.Minute, cfg.Evaluation.StaleAfter())
	assert.True(t, cfg.Evaluation.MaterializeMembers)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  url: postgres://x\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "audience_users", cfg.Database.UsersTable)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime())
	assert.Equal(t, "audience", cfg.Redis.KeyPrefix)
	assert.Equal(t, "USER_EVENTS", cfg.Snowflake.EventsTable)
	assert.Equal(t, "us-west-2", cfg.AWS.Region)
	assert.Equal(t, 90*24*time.Hour, cfg.AWS.HistoryTTL())
	assert.Equal(t, 4, cfg.Evaluation.Workers)
	assert.Equal(t, 256, cfg.Evaluation.QueueSize)
	assert.Equal(t, 1000, cfg.Evaluation.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.Evaluation.RefreshInterval())
	assert.Equal(t, time.Hour, cfg.Evaluation.StaleAfter())
	assert.Equal(t, 4*time.Minute, cfg.Evaluation.LockTTL())
	assert.Equal(t, 100, cfg.Evaluation.PreviewLimit)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.False(t, cfg.Evaluation.MaterializeMembers)
}

func TestLoadFromEnv(t *testing.T) {
	configPath := writeConfig(t, `
database:
  url: "postgres://file"
evaluation:
  workers: 2
`)

	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SNOWFLAKE_CONNECTION_STRING", "ACCOUNT=a;USER=u")
	t.Setenv("EVALUATION_WORKERS", "16")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Snowflake.Enabled)
	assert.Equal(t, 16, cfg.Evaluation.Workers)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "evaluation: [unterminated"))
	assert.Error(t, err)
}

func TestAWSProfileOverride(t *testing.T) {
	cfg := AWSConfig{Profile: "dev"}
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	assert.Equal(t, "dev", cfg.GetProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "iam")
	assert.Equal(t, "", cfg.GetProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "staging")
	assert.Equal(t, "staging", cfg.GetProfile())
}
