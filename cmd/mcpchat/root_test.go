package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

func TestNewLogger(t *testing.T) {
	v := viper.New()
	v.Set(flagLogLevel, "warn")
	v.Set(flagLogFormat, "json")

	var buf bytes.Buffer
	logger, err := newLogger(v, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "server", "a")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"server":"a"`)

	v.Set(flagLogFormat, "xml")
	_, err = newLogger(v, &buf)
	assert.Error(t, err)

	v.Set(flagLogFormat, "text")
	v.Set(flagLogLevel, "loud")
	_, err = newLogger(v, &buf)
	assert.Error(t, err)
}

func TestPrintTools(t *testing.T) {
	tools := []toolexec.Tool{{Name: "a___x", OriginalName: "x", ServerID: "a", Description: "does x"}}

	var table bytes.Buffer
	require.NoError(t, printTools(&table, "table", tools))
	assert.Contains(t, table.String(), "NAME")
	assert.Contains(t, table.String(), "a___x")
	assert.Contains(t, table.String(), "does x")

	var js bytes.Buffer
	require.NoError(t, printTools(&js, "json", tools))
	assert.Contains(t, js.String(), `"originalName": "x"`)

	assert.Error(t, printTools(&js, "yaml", tools))
}

func TestNewAppLoadsConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - id: weather
    url: https://weather.example/sse
    enabled: true
    headers:
      - name: Authorization
        value: Bearer abc
`), 0o600))

	v := viper.New()
	v.Set(flagConfig, path)
	v.Set(flagToolStore, filepath.Join(dir, "tools.db"))
	require.NoError(t, loadConfig(v))

	a, err := newApp(v, &bytes.Buffer{})
	require.NoError(t, err)
	defer a.close()

	servers := a.source.Snapshot()
	require.Len(t, servers, 1)
	assert.Equal(t, "weather", servers[0].ID)
	assert.Equal(t, "Bearer abc", servers[0].HTTPHeader().Get("Authorization"))
	assert.NotNil(t, a.store)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestPingClient(t *testing.T) {
	assert.Equal(t, "0s", pingClient(context.Background(), fakePinger{}, time.Second))
	assert.Equal(t, "error: unreachable", pingClient(context.Background(), fakePinger{err: errors.New("unreachable")}, 0))
}

func TestLoadConfigMissingFile(t *testing.T) {
	v := viper.New()
	v.Set(flagConfig, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, loadConfig(v))
}
