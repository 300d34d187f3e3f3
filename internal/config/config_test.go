package config_test

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/config"
)

func TestDefaultMatchesReferenceValues(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, time.Second, cfg.SyncInterval)
	require.Equal(t, int64(60), cfg.BackoffCap)
	require.Equal(t, 4096, cfg.BloomWindow)
}

func TestBindFlagsOverridesDefaults(t *testing.T) {
	cfg := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{"-device-id=a", "-sync-interval=5s", "-batch-max=10"})
	require.NoError(t, err)

	require.Equal(t, "a", cfg.DeviceID)
	require.Equal(t, 5*time.Second, cfg.SyncInterval)
	require.Equal(t, 10, cfg.BatchMax)
}
