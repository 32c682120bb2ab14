package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEmitsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendingd", "test")
	logger.Info("borrow accepted", "account", "0xabc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "borrow accepted", line["message"])
	require.Contains(t, line, "timestamp")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("token", "secret").Value.String())
	require.Equal(t, "  ", MaskField("token", "  ").Value.String())
}

func TestRotatingFile(t *testing.T) {
	require.Nil(t, RotatingFile(FileOptions{}))

	path := filepath.Join(t.TempDir(), "lendingd.log")
	file := RotatingFile(FileOptions{Path: path})
	require.NotNil(t, file)
	require.Equal(t, 100, file.MaxSize)

	logger := New(file, "lendingd", "")
	logger.Info("hello")
	require.NoError(t, file.Close())
	require.FileExists(t, path)
}
