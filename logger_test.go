package vkg

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	assert.False(t, Logger().Enabled(context.Background(), slog.LevelError), "silent by default")

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	rm, _, _ := newTestResourceManager()
	_, err := rm.CreateStagingBuffer(64)
	assert.NoError(t, err)
	rm.Destroy()
	assert.Contains(t, buf.String(), "allocations still live at shutdown")
	assert.Contains(t, buf.String(), "count=1")

	SetLogger(nil)
	assert.False(t, Logger().Enabled(context.Background(), slog.LevelError))
}

func TestDebugSeverity(t *testing.T) {
	tests := []struct {
		flags vk.DebugReportFlagBits
		name  string
		level slog.Level
	}{
		{vk.DebugReportErrorBit, "error", slog.LevelError},
		{vk.DebugReportWarningBit, "warning", slog.LevelWarn},
		{vk.DebugReportPerformanceWarningBit, "performance", slog.LevelWarn},
		{vk.DebugReportDebugBit, "debug", slog.LevelDebug},
		{vk.DebugReportInformationBit, "info", slog.LevelInfo},
	}
	for _, tt := range tests {
		name, level := debugSeverity(vk.DebugReportFlags(tt.flags))
		assert.Equal(t, tt.name, name)
		assert.Equal(t, tt.level, level)
	}

	name, _ := debugSeverity(vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit))
	assert.Equal(t, "error", name)
}
