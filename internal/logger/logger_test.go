package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zap.ErrorLevel, parseLevel("ERROR"))
	assert.Equal(t, zap.InfoLevel, parseLevel(""))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log := New(Options{FilePath: path, Level: "INFO", Production: true})
	log.Info("passage search", zap.String("query", "patience"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"passage search"`)
	assert.Contains(t, string(data), `"query":"patience"`)
}
