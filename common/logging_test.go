package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestOutputSplitterWriteReturnsLength(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name    string
		message []byte
	}{
		{
			name:    "ErrorLine",
			message: []byte(`time="2026-01-15T10:30:00Z" level=error msg="lock timeout"`),
		},
		{
			name:    "InfoLine",
			message: []byte(`time="2026-01-15T10:30:00Z" level=info msg="distributor ready"`),
		},
		{
			name:    "EmptyLine",
			message: []byte(``),
		},
		{
			name:    "MultiLine",
			message: []byte("line 1\nline 2\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.message)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.message), n)
		})
	}
}

func TestLoggerInitialization(t *testing.T) {
	assert.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "global logger must route through the splitter")
}

func TestSetup(t *testing.T) {
	defer Setup("info", "text")

	Setup("debug", "json")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	_, ok := Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	Setup("nonsense", "text")
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel(), "unknown levels fall back to info")
	_, ok = Logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestComponentLogger(t *testing.T) {
	entry := ComponentLogger("reaper")
	assert.Equal(t, "reaper", entry.Data["component"])
	assert.NotEmpty(t, entry.Data["version"])
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  logrus.Level
	}{
		{level: LogLevelDebug, want: logrus.DebugLevel},
		{level: LogLevelInfo, want: logrus.InfoLevel},
		{level: LogLevelWarn, want: logrus.WarnLevel},
		{level: LogLevelError, want: logrus.ErrorLevel},
		{level: LogLevelFatal, want: logrus.FatalLevel},
		{level: LogLevel("bogus"), want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		cfg := DefaultLoggerConfig()
		cfg.Level = tt.level
		logger := NewLogger(cfg)
		assert.Equal(t, tt.want, logger.GetLevel(), "level %s", tt.level)
	}
}
