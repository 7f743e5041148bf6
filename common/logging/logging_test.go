package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelSet(t *testing.T) {
	require := require.New(t)

	var lvl Level
	require.NoError(lvl.Set("warn"), "Set is case insensitive")
	require.Equal(LevelWarn, lvl, "Set value")
	require.Equal("WARN", lvl.String(), "String")
	require.Error(lvl.Set("bogus"), "Set rejects unknown levels")
}

func TestFormatSet(t *testing.T) {
	require := require.New(t)

	var fmt Format
	require.NoError(fmt.Set("json"), "Set is case insensitive")
	require.Equal(FmtJSON, fmt, "Set value")
	require.Error(fmt.Set("bogus"), "Set rejects unknown formats")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	require := require.New(t)

	l := GetLogger("test/early")
	require.NotNil(l, "GetLogger before Initialize")
	require.NotPanics(func() { l.Info("early message", "key", "value") }, "early logging is a no-op")

	l2 := l.With("more", "context")
	require.NotNil(l2, "With")
}
