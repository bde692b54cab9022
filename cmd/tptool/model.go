package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/tptool/internal/loop"
	"github.com/unklstewy/tptool/pkg/config"
	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/mount"
	"github.com/unklstewy/tptool/pkg/tracking"
)

// Terminals report key presses only. A held arrow key is seen as a stream of
// repeats; the slew is released when the repeats stop.
const (
	uiTickInterval = 100 * time.Millisecond
	arrowRelease   = 600 * time.Millisecond
)

// Input prompts
const (
	inputNone      = ""
	inputReference = "reference"
	inputPreset    = "preset"
	inputLandmark  = "landmark"
	inputStore     = "store"
)

// submitter is the part of *loop.Loop the UI needs.
type submitter interface {
	Submit(cmd loop.Command) bool
}

type statusMsg loop.Snapshot

type loopDoneMsg struct {
	err error
}

type uiTickMsg time.Time

type model struct {
	loop       submitter
	cfg        *config.Config
	configPath string
	now        func() time.Time

	status     loop.Snapshot
	haveStatus bool

	// Held arrow keys per axis
	held     [2]float64
	heldSeen [2]time.Time

	inputMode   string
	inputBuffer string

	message  string
	err      error
	quitting bool
	loopErr  error
}

func newModel(lp submitter, cfg *config.Config, configPath string) model {
	return model{
		loop:       lp,
		cfg:        cfg,
		configPath: configPath,
		now:        time.Now,
	}
}

func uiTick() tea.Cmd {
	return tea.Tick(uiTickInterval, func(t time.Time) tea.Msg {
		return uiTickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return uiTick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.inputMode != inputNone {
			return m.updateInput(msg), nil
		}
		return m.updateKey(msg)

	case statusMsg:
		m.status = loop.Snapshot(msg)
		m.haveStatus = true

	case uiTickMsg:
		m.releaseArrows(time.Time(msg))
		return m, uiTick()

	case loopDoneMsg:
		m.loopErr = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m model) submit(kind loop.CommandKind) {
	m.loop.Submit(loop.Command{Kind: kind})
}

func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Clear error on any keypress
	if m.err != nil {
		m.err = nil
		return m, nil
	}
	if m.quitting {
		return m, nil
	}
	m.message = ""

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		m.submit(loop.Quit)
	case "c":
		m.submit(loop.ConnectMount)
	case "C":
		m.submit(loop.DisconnectMount)
	case "f":
		m.submit(loop.ConnectFeed)
	case "F":
		m.submit(loop.DisconnectFeed)
	case "t", " ":
		m.submit(loop.ToggleTracking)
	case "s":
		m.held = [2]float64{}
		m.submit(loop.Stop)
	case "z":
		m.submit(loop.ZeroPosition)
	case "+", "=":
		m.submit(loop.IncreaseSpeed)
	case "-", "_":
		m.submit(loop.DecreaseSpeed)
	case "a":
		m.submit(loop.SaveAdjustment)
	case "x":
		m.submit(loop.CancelAdjustment)
	case "e":
		m.submit(loop.ForceExitSpecialMode)
	case "r":
		m.inputMode, m.inputBuffer = inputReference, ""
	case "p":
		m.inputMode, m.inputBuffer = inputPreset, ""
	case "l":
		m.inputMode, m.inputBuffer = inputLandmark, ""
	case "w":
		if !m.status.Engine.HaveReference {
			m.err = fmt.Errorf("no reference to store")
			return m, nil
		}
		m.inputMode, m.inputBuffer = inputStore, ""
	case "left":
		m.arrow(mount.Axis1, -1)
	case "right":
		m.arrow(mount.Axis1, 1)
	case "up":
		m.arrow(mount.Axis2, 1)
	case "down":
		m.arrow(mount.Axis2, -1)
	}
	return m, nil
}

func (m *model) arrow(axis mount.Axis, value float64) {
	i := axis.Index()
	m.heldSeen[i] = m.now()
	if m.held[i] == value {
		return
	}
	m.held[i] = value
	m.loop.Submit(loop.Command{Kind: loop.ManualSlew, Axis: axis, Value: value})
}

func (m *model) releaseArrows(now time.Time) {
	for i, axis := range mount.Axes {
		if m.held[i] != 0 && now.Sub(m.heldSeen[i]) >= arrowRelease {
			m.held[i] = 0
			m.loop.Submit(loop.Command{Kind: loop.ManualSlew, Axis: axis, Value: 0})
		}
	}
}

func (m model) updateInput(msg tea.KeyMsg) model {
	switch msg.String() {
	case "enter":
		m.err = m.submitInput()
		m.inputMode, m.inputBuffer = inputNone, ""
	case "esc":
		m.inputMode, m.inputBuffer = inputNone, ""
	case "backspace":
		if len(m.inputBuffer) > 0 {
			m.inputBuffer = m.inputBuffer[:len(m.inputBuffer)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.inputBuffer += msg.String()
		}
	}
	return m
}

// submitInput acts on the completed prompt.
func (m *model) submitInput() error {
	switch m.inputMode {
	case inputReference:
		b, err := parseBearing(m.inputBuffer)
		if err != nil {
			return err
		}
		m.setReference(b, fmt.Sprintf("az %.2f° alt %.2f°", b.Azimuth, b.Altitude))

	case inputPreset:
		name := strings.TrimSpace(m.inputBuffer)
		p, ok := m.cfg.FindPreset(name)
		if !ok {
			return fmt.Errorf("preset %q not found", name)
		}
		m.setReference(coordinates.HorizontalCoordinates{Azimuth: p.Azimuth, Altitude: p.Altitude}, "preset "+p.Name)

	case inputLandmark:
		landmark, err := parseLandmark(m.inputBuffer)
		if err != nil {
			return err
		}
		b := coordinates.GeographicToHorizontal(landmark, observer(m.cfg))
		m.setReference(b, fmt.Sprintf("landmark az %.2f° alt %.2f°", b.Azimuth, b.Altitude))

	case inputStore:
		name := strings.TrimSpace(m.inputBuffer)
		if name == "" {
			return fmt.Errorf("preset name is empty")
		}
		ref := m.status.Engine.Reference
		if err := m.cfg.StorePreset(config.Preset{Name: name, Azimuth: ref[0], Altitude: ref[1]}); err != nil {
			return err
		}
		if err := m.cfg.Save(m.configPath); err != nil {
			return err
		}
		m.message = fmt.Sprintf("Stored preset %s", name)
	}
	return nil
}

func (m *model) setReference(b coordinates.HorizontalCoordinates, label string) {
	m.loop.Submit(loop.Command{Kind: loop.SetReference, Bearing: b})
	m.message = "Reference: " + label
}

func observer(cfg *config.Config) coordinates.Geographic {
	return coordinates.Geographic{
		Latitude:  cfg.Observer.Latitude,
		Longitude: cfg.Observer.Longitude,
		Altitude:  cfg.Observer.Altitude,
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
)

var prompts = map[string]string{
	inputReference: "Mount is pointing at (azimuth altitude, degrees):",
	inputPreset:    "Preset name:",
	inputLandmark:  "Landmark position (latitude longitude [altitude m]):",
	inputStore:     "Store current reference as preset:",
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("TPTOOL TRACKING"))
	s.WriteString("\n\n")

	if m.inputMode != inputNone {
		s.WriteString(promptStyle.Render(prompts[m.inputMode]))
		s.WriteString("\n")
		s.WriteString(inputStyle.Render("> " + m.inputBuffer + "_"))
		s.WriteString("\n\n")
		if m.inputMode == inputPreset && len(m.cfg.Presets) > 0 {
			names := make([]string, len(m.cfg.Presets))
			for i, p := range m.cfg.Presets {
				names[i] = p.Name
			}
			s.WriteString(helpStyle.Render("Presets: " + strings.Join(names, ", ")))
			s.WriteString("\n")
		}
		s.WriteString(helpStyle.Render("ENTER: Submit  ESC: Cancel"))
		return s.String()
	}

	if m.err != nil {
		s.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
		s.WriteString(helpStyle.Render("Press any key to continue..."))
		return s.String()
	}

	sky := strings.Split(renderSky(m.status.Engine), "\n")
	panel := strings.Split(m.renderStatus(), "\n")
	for i := 0; i < max(len(sky), len(panel)); i++ {
		if i < len(sky) {
			s.WriteString(sky[i])
		} else {
			s.WriteString(strings.Repeat(" ", skyWidth))
		}
		s.WriteString("  ")
		if i < len(panel) {
			s.WriteString(panel[i])
		}
		s.WriteString("\n")
	}

	if m.message != "" {
		s.WriteString(okStyle.Render(m.message))
		s.WriteString("\n")
	}
	if m.quitting {
		s.WriteString(warnStyle.Render("Stopping mount..."))
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("c/C: Mount  f/F: Data  t/SPACE: Track  s: Stop  ←↑↓→: Slew  +/-: Speed  a/x: Save/Cancel adj"))
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("r: Reference  p: Preset  l: Landmark  w: Store preset  z: Zero  e: Exit special mode  q: Quit"))
	s.WriteString("\n")
	return s.String()
}

func (m model) renderStatus() string {
	var b strings.Builder
	st := m.status.Engine

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-11s", label)))
		b.WriteString(value)
		b.WriteString("\n")
	}

	b.WriteString(headerStyle.Render("Mount"))
	b.WriteString("\n")
	if !m.haveStatus {
		b.WriteString(helpStyle.Render("waiting for status..."))
		return b.String()
	}

	row("Device", m.status.MountInfo)
	state := st.MountState.String()
	switch st.MountState {
	case mount.Connected:
		state = okStyle.Render(state)
	case mount.Disconnected:
		state = errStyle.Render(state)
	default:
		state = warnStyle.Render(state)
	}
	row("State", state)
	if st.HavePosition {
		row("Axes", fmt.Sprintf("%8.3f°  %8.3f°", st.MountPosition.Axis1, st.MountPosition.Axis2))
	} else {
		row("Axes", "--")
	}
	row("Travel", fmt.Sprintf("%8.1f°  %8.1f°", st.Travel[0], st.Travel[1]))
	row("Rates", fmt.Sprintf("%8.3f   %8.3f  °/s", st.Commanded[0], st.Commanded[1]))
	row("Speed", fmt.Sprintf("%.3f°/s", st.Speed))
	if st.Clamps > 0 {
		row("Clamps", warnStyle.Render(fmt.Sprintf("%d", st.Clamps)))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Tracking"))
	b.WriteString("\n")
	if st.State == tracking.Tracking {
		row("State", okStyle.Render("tracking"))
	} else {
		row("State", "idle")
	}
	if st.HaveReference {
		row("Reference", fmt.Sprintf("az %.2f°  alt %.2f°", st.Reference[0], st.Reference[1]))
	} else {
		row("Reference", warnStyle.Render("not set"))
	}
	if st.HaveTarget {
		row("Target", fmt.Sprintf("%8.3f°  %8.3f°", st.Target[0], st.Target[1]))
		age := fmt.Sprintf("%.1fs", st.SampleAge.Seconds())
		if st.SampleAge > 5*time.Second {
			age = warnStyle.Render(age)
		}
		row("Distance", fmt.Sprintf("%.0f m  (age %s)", st.Distance, age))
	} else {
		row("Target", "--")
	}
	row("Manual", fmt.Sprintf("%8.3f°  %8.3f°", st.Manual[0], st.Manual[1]))
	adj := fmt.Sprintf("%8.3f°  %8.3f°", st.Adjustment[0], st.Adjustment[1])
	if st.Adjusted {
		adj = okStyle.Render(adj)
	}
	row("Adjustment", adj)
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Data source"))
	b.WriteString("\n")
	if m.status.FeedConnected {
		row("State", okStyle.Render("connected"))
	} else {
		row("State", errStyle.Render("disconnected"))
	}
	row("Address", m.status.FeedAddr)
	row("Samples", fmt.Sprintf("%d ok, %d malformed, %d stale",
		m.status.FeedAccepted, m.status.FeedMalformed, m.status.FeedStale))
	if m.status.Controller {
		row("Controller", okStyle.Render("active"))
	}

	return b.String()
}
