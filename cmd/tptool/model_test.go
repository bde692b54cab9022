package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unklstewy/tptool/internal/loop"
	"github.com/unklstewy/tptool/pkg/config"
	"github.com/unklstewy/tptool/pkg/mount"
	"github.com/unklstewy/tptool/pkg/tracking"
)

type recordingLoop struct {
	commands []loop.Command
}

func (r *recordingLoop) Submit(cmd loop.Command) bool {
	r.commands = append(r.commands, cmd)
	return true
}

func (r *recordingLoop) kinds() []loop.CommandKind {
	out := make([]loop.CommandKind, len(r.commands))
	for i, c := range r.commands {
		out[i] = c.Kind
	}
	return out
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m model, keys ...string) model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(model)
	}
	return m
}

func testModel(t *testing.T) (model, *recordingLoop) {
	t.Helper()
	rl := &recordingLoop{}
	cfg := config.DefaultConfig()
	cfg.Presets = []config.Preset{{Name: "tower", Azimuth: 123.4, Altitude: 2.5}}
	return newModel(rl, cfg, filepath.Join(t.TempDir(), "config.json")), rl
}

func TestKeysSubmitCommands(t *testing.T) {
	tests := []struct {
		key  string
		want loop.CommandKind
	}{
		{"c", loop.ConnectMount},
		{"C", loop.DisconnectMount},
		{"f", loop.ConnectFeed},
		{"F", loop.DisconnectFeed},
		{"t", loop.ToggleTracking},
		{" ", loop.ToggleTracking},
		{"s", loop.Stop},
		{"z", loop.ZeroPosition},
		{"+", loop.IncreaseSpeed},
		{"-", loop.DecreaseSpeed},
		{"a", loop.SaveAdjustment},
		{"x", loop.CancelAdjustment},
		{"e", loop.ForceExitSpecialMode},
		{"q", loop.Quit},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			m, rl := testModel(t)
			send(t, m, tt.key)
			assert.Equal(t, []loop.CommandKind{tt.want}, rl.kinds())
		})
	}
}

func TestQuitIgnoresFurtherKeys(t *testing.T) {
	m, rl := testModel(t)
	m = send(t, m, "q", "t", "c")
	assert.True(t, m.quitting)
	assert.Equal(t, []loop.CommandKind{loop.Quit}, rl.kinds())
}

func TestArrowKeysHoldAndRelease(t *testing.T) {
	m, rl := testModel(t)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m = send(t, m, "left", "left", "up")
	require.Len(t, rl.commands, 2, "repeats of a held key are not resent")
	assert.Equal(t, loop.Command{Kind: loop.ManualSlew, Axis: mount.Axis1, Value: -1}, rl.commands[0])
	assert.Equal(t, loop.Command{Kind: loop.ManualSlew, Axis: mount.Axis2, Value: 1}, rl.commands[1])

	next, _ := m.Update(uiTickMsg(now.Add(arrowRelease / 2)))
	m = next.(model)
	assert.Len(t, rl.commands, 2)

	next, _ = m.Update(uiTickMsg(now.Add(arrowRelease)))
	m = next.(model)
	require.Len(t, rl.commands, 4)
	assert.Equal(t, 0.0, rl.commands[2].Value)
	assert.Equal(t, 0.0, rl.commands[3].Value)
	assert.Equal(t, [2]float64{}, m.held)
}

func TestReferencePrompt(t *testing.T) {
	m, rl := testModel(t)
	m = send(t, m, "r", "1", "8", "0", " ", "1", "0", "enter")

	require.NoError(t, m.err)
	require.Len(t, rl.commands, 1)
	assert.Equal(t, loop.SetReference, rl.commands[0].Kind)
	assert.Equal(t, 180.0, rl.commands[0].Bearing.Azimuth)
	assert.Equal(t, 10.0, rl.commands[0].Bearing.Altitude)
	assert.Equal(t, inputNone, m.inputMode)
}

func TestPresetPrompt(t *testing.T) {
	m, rl := testModel(t)
	m = send(t, m, "p", "t", "o", "w", "e", "r", "enter")
	require.NoError(t, m.err)
	require.Len(t, rl.commands, 1)
	assert.Equal(t, 123.4, rl.commands[0].Bearing.Azimuth)

	m = send(t, m, "p", "x", "enter")
	assert.ErrorContains(t, m.err, `preset "x" not found`)
	assert.Len(t, rl.commands, 1)
}

func TestPromptEscapeCancels(t *testing.T) {
	m, rl := testModel(t)
	m = send(t, m, "r", "9", "esc")
	assert.Equal(t, inputNone, m.inputMode)
	assert.Empty(t, rl.commands)
}

func TestStorePresetWritesConfig(t *testing.T) {
	m, _ := testModel(t)

	m = send(t, m, "w")
	assert.Error(t, m.err, "storing without a reference fails")
	m = send(t, m, "any")

	next, _ := m.Update(statusMsg(loop.Snapshot{Engine: tracking.Status{HaveReference: true, Reference: [2]float64{45, 12}}}))
	m = next.(model)
	m = send(t, m, "w", "p", "o", "l", "e", "enter")
	require.NoError(t, m.err)

	p, ok := m.cfg.FindPreset("pole")
	require.True(t, ok)
	assert.Equal(t, 45.0, p.Azimuth)

	saved, err := config.Load(m.configPath)
	require.NoError(t, err)
	_, ok = saved.FindPreset("pole")
	assert.True(t, ok)
}

func TestLoopDoneQuitsProgram(t *testing.T) {
	m, _ := testModel(t)
	_, cmd := m.Update(loopDoneMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestViewShowsStatus(t *testing.T) {
	m, _ := testModel(t)
	assert.Contains(t, m.View(), "waiting for status")

	next, _ := m.Update(statusMsg(loop.Snapshot{
		MountInfo: "simulator at 127.0.0.1:45501",
		Engine: tracking.Status{
			State:         tracking.Tracking,
			MountState:    mount.Connected,
			HavePosition:  true,
			MountPosition: mount.Position{Axis1: 10, Axis2: 20},
			HaveTarget:    true,
			Target:        [2]float64{12, 21},
		},
	}))
	view := next.(model).View()
	assert.Contains(t, view, "simulator at 127.0.0.1:45501")
	assert.Contains(t, view, "tracking")
	assert.True(t, strings.Contains(view, "+") && strings.Contains(view, "◉"))
}
