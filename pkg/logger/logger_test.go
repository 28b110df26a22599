package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "tradesim.log")

	require.NoError(t, Init(Config{Level: "debug", OutputFile: path, MaxSize: 1, NoColor: true}))
	require.Equal(t, path, GetCurrentLogFile())

	Infof("hello %s", "world")
	Component("executor").Info("component line")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), "hello world"))
	require.True(t, strings.Contains(string(b), "component=executor"))
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud", NoColor: true}))
	require.Equal(t, "info", Logger.GetLevel().String())
}
