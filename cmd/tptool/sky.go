package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/tracking"
)

// Sky viewport dimensions
const (
	skyWidth  = 64
	skyHeight = 20

	// Axis 2 range shown on the plot
	skyMinAlt = -10.0
	skyMaxAlt = 90.0
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	mountStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	targetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	markStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	gridStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("237"))
)

// renderSky plots the mount pointing (+) and the target (◉) in mount axis
// coordinates: axis 1 across, axis 2 up.
func renderSky(st tracking.Status) string {
	var sky strings.Builder

	inner := skyWidth - 2
	grid := make([][]rune, skyHeight)
	for i := range grid {
		grid[i] = make([]rune, inner)
		for j := range grid[i] {
			grid[i][j] = ' '
		}
	}

	// Axis 2 zero line
	if _, y, ok := skyToScreen(0, 0); ok {
		for x := 0; x < inner; x++ {
			grid[y][x] = '·'
		}
	}

	// Axis 1 marks every 90°
	for i := 0; i < 4; i++ {
		x, _, _ := skyToScreen(float64(i)*90, skyMinAlt)
		grid[skyHeight-1][x] = '|'
	}

	if st.HaveTarget {
		if x, y, ok := skyToScreen(st.Target[0], st.Target[1]); ok {
			grid[y][x] = '◉'
		}
	}
	if st.HavePosition {
		if x, y, ok := skyToScreen(st.MountPosition.Axis1, st.MountPosition.Axis2); ok {
			grid[y][x] = '+'
		}
	}

	sky.WriteString(borderStyle.Render("┌" + strings.Repeat("─", inner) + "┐"))
	sky.WriteString("\n")
	for y := 0; y < skyHeight; y++ {
		sky.WriteString(borderStyle.Render("│"))
		for x := 0; x < inner; x++ {
			char := grid[y][x]
			switch char {
			case '+':
				sky.WriteString(mountStyle.Render(string(char)))
			case '◉':
				sky.WriteString(targetStyle.Render(string(char)))
			case '·':
				sky.WriteString(gridStyle.Render(string(char)))
			case ' ':
				sky.WriteRune(char)
			default:
				sky.WriteString(markStyle.Render(string(char)))
			}
		}
		sky.WriteString(borderStyle.Render("│"))
		sky.WriteString("\n")
	}
	sky.WriteString(borderStyle.Render("└" + strings.Repeat("─", inner) + "┘"))

	return sky.String()
}

// skyToScreen maps an axis position to a grid cell. ok is false when axis 2
// is outside the plotted range.
func skyToScreen(axis1, axis2 float64) (x, y int, ok bool) {
	inner := skyWidth - 2
	x = int(coordinates.NormalizeAzimuth(axis1) / 360.0 * float64(inner))
	if x >= inner {
		x = inner - 1
	}

	if axis2 < skyMinAlt || axis2 > skyMaxAlt {
		return x, 0, false
	}
	normalized := (axis2 - skyMinAlt) / (skyMaxAlt - skyMinAlt)
	y = skyHeight - 1 - int(normalized*float64(skyHeight-1))
	return x, y, true
}
