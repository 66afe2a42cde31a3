package logger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "test.log")
	require.NoError(t, Init(Config{Level: "debug", OutputFile: file, MaxSize: 1, NoColor: true}))

	Infof("hello %s", "file")
	assert.Equal(t, file, GetCurrentLogFile())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestAddSinkForwardsComponentLines(t *testing.T) {
	require.NoError(t, Init(Config{Level: "info", NoColor: true}))

	var mu sync.Mutex
	var lines []string
	AddSink(logrus.WarnLevel, func(level logrus.Level, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	})

	log := logrus.WithField("component", "ledger")
	log.Info("不会转发")
	log.Warn("占位 ID")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "[ledger] 占位 ID", lines[0])
}
