package app

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) *ServerFlags {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := RegisterServerFlags(flags)
	require.NoError(t, flags.Parse(args))
	return f
}

func TestConfig_EnvFallbacks(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "from-env")
	t.Setenv("SECRETS_KEY", strings.Repeat("k", 32))
	t.Setenv("SURGE_SUPPORT_RATIO", "5")
	t.Setenv("GIT_POLLER_INTERVAL", "45")
	t.Setenv("WORKER_LOGS_THRESHOLD_DAYS", "2")
	t.Setenv("PROJECT_NAME_REGEX", `[a-z0-9-]+/[a-z0-9-]+`)

	f := parseFlags(t)
	config, err := f.Config()
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.InternalAPIKey)
	require.NotNil(t, config.ProjectNameRegex)
	assert.True(t, config.ProjectNameRegex.MatchString("customer-1/lmp"))
	assert.False(t, config.ProjectNameRegex.MatchString("WIDGET"))
	assert.Equal(t, 5, config.MonitorConfig.SurgeSupportRatio)
	assert.Equal(t, 45*time.Second, config.GitPollInterval)
	assert.Equal(t, 2*24*time.Hour, config.MonitorConfig.WorkerLogRetention)
	require.NotNil(t, config.EncryptionConfig.LocalKeyManagerMasterKey)
}

func TestConfig_FlagBeatsEnv(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "from-env")

	f := parseFlags(t,
		"--internal_api_key", "from-flag",
		"--key_manager_local_master_key", strings.Repeat("k", 32))
	config, err := f.Config()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", config.InternalAPIKey)
}

func TestConfig_MonitorThresholds(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "from-env")
	t.Setenv("SECRETS_KEY", strings.Repeat("k", 32))

	f := parseFlags(t)
	config, err := f.Config()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, config.MonitorConfig.AckTimeout)
	assert.Equal(t, 80*time.Second, config.MonitorConfig.OfflineAfter)
	assert.Equal(t, 2*time.Minute, config.MonitorConfig.OfflineAfterSurgesOnly)

	f = parseFlags(t,
		"--run_ack_timeout", "30s",
		"--worker_offline_threshold", "1m",
		"--worker_offline_threshold_surges_only", "3m")
	config, err = f.Config()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, config.MonitorConfig.AckTimeout)
	assert.Equal(t, time.Minute, config.MonitorConfig.OfflineAfter)
	assert.Equal(t, 3*time.Minute, config.MonitorConfig.OfflineAfterSurgesOnly)
}

func TestConfig_RequiresMasterKeyAndInternalKey(t *testing.T) {
	f := parseFlags(t)
	_, err := f.Config()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_manager_local_master_key")

	f = parseFlags(t, "--key_manager_local_master_key", strings.Repeat("k", 32))
	_, err = f.Config()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal_api_key")
}
