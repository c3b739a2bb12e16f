package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsoleAndJSON(t *testing.T) {
	for _, format := range []string{"", "console", "json"} {
		log, err := New(Config{Level: "debug", Format: format})
		require.NoError(t, err, format)
		log.Debug("hello")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "shouty"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNewFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histdata.log")
	log, err := New(Config{Format: "json", File: path})
	require.NoError(t, err)

	log.Info("written to file")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
