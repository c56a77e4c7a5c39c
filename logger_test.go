package proposalflow

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLevelFromEnvironment(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run("level "+tt.value, func(t *testing.T) {
			t.Setenv(logLevelEnv, tt.value)
			require.Equal(t, tt.want, LogLevel())
		})
	}
}

func TestLoggerConstructors(t *testing.T) {
	t.Setenv(logLevelEnv, "warn")

	require.False(t, NewLogger().Enabled(t.Context(), slog.LevelInfo))
	require.True(t, NewLogger().Enabled(t.Context(), slog.LevelWarn))
	require.True(t, NewLoggerWithLevel(slog.LevelDebug).Enabled(t.Context(), slog.LevelDebug))
	require.False(t, NewJSONLogger().Enabled(t.Context(), slog.LevelInfo))
}
