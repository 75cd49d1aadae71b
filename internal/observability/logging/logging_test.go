package logging_test

import (
	"testing"

	"regionmaster/internal/observability/logging"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := logging.New(logging.Config{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := logging.New(logging.Config{Development: true, Level: "debug"})
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = logging.New(logging.Config{Level: "loud"})
	require.Error(t, err)
}
