package cmd

import (
	"bytes"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/gms/logger"
)

func TestToggleLogOutput(t *testing.T) {
	logger.Init(logrus.InfoLevel, false)
	var out bytes.Buffer
	require.NoError(t, logger.AddOutput(&out))
	t.Cleanup(func() {
		_ = logger.SetEnabled(true)
		_ = logger.RemoveOutput(&out)
	})

	m := model{logBuffer: logger.NewLogBuffer(10)}
	assert.Contains(t, m.View(), "L to pause log output")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'l'}})
	m = next.(model)
	assert.True(t, m.logsPaused)
	assert.Contains(t, m.View(), "L to resume log output")
	logger.Infof("while paused")
	assert.NotContains(t, out.String(), "while paused")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'L'}})
	m = next.(model)
	assert.False(t, m.logsPaused)
	logger.Infof("after resume")
	assert.Contains(t, out.String(), "after resume")
}

func TestFormatCommandPreview(t *testing.T) {
	assert.Equal(t, "D → 3", formatCommandPreview("delete:2"))
	assert.Equal(t, "D → [node]", formatCommandPreview("delete:x"))
	assert.Equal(t, "C", formatCommandPreview("create"))
	assert.Equal(t, "R", formatCommandPreview("round"))
}
