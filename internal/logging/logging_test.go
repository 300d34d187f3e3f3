package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/logging"
)

func TestNewAcceptsStandardLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		log, err := logging.New(lvl)
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := logging.New("not-a-level")
	require.Error(t, err)
}

func TestNamedTagsLoggerName(t *testing.T) {
	log, err := logging.Named("info", "sync")
	require.NoError(t, err)
	require.Equal(t, "sync", log.Name())
}
