package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"console", Config{Level: "debug", Outputs: []string{"stdout"}, Format: "console"}, false},
		{"bad level", Config{Level: "loud", Format: "json"}, true},
		{"bad format", Config{Level: "info", Format: "xml"}, true},
		{"file without path", Config{Level: "info", Outputs: []string{"file"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "nope"})
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mppi.log")
	l, err := New(Config{Level: "info", Outputs: []string{"file"}, OutputFile: path, Format: "json"})
	require.NoError(t, err)

	l.LogDecision("hold", map[string]interface{}{"tick_lower": -600})
	l.Debug("dropped")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "decision_event")
	assert.Contains(t, out, `"event":"hold"`)
	assert.NotContains(t, out, "dropped")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestEventHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).WithFields(map[string]interface{}{"pool": "eth-usdc"})

	l.LogDecision("rebalance", map[string]interface{}{"tick_change": 120})
	l.LogRebalance(-1200, 1200, nil)
	l.LogError(errors.New("boom"), map[string]interface{}{"stage": "observe"})

	entries := logs.All()
	require.Len(t, entries, 3)

	// 决策
	assert.Equal(t, "decision_event", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "rebalance", ctx["event"])
	assert.Equal(t, "eth-usdc", ctx["pool"])
	assert.EqualValues(t, 120, ctx["tick_change"])

	// 调仓
	assert.Equal(t, "rebalance_event", entries[1].Message)
	ctx = entries[1].ContextMap()
	assert.EqualValues(t, -1200, ctx["tick_lower"])
	assert.EqualValues(t, 1200, ctx["tick_upper"])

	// 错误
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	ctx = entries[2].ContextMap()
	assert.Equal(t, "boom", ctx["error"])
	assert.Equal(t, "observe", ctx["stage"])
}

func TestFromZapNil(t *testing.T) {
	l := FromZap(nil)
	require.NotNil(t, l.Logger)
	assert.NotPanics(t, func() { l.LogDecision("hold", nil) })
	assert.NoError(t, l.Close())
}
