// ABOUTME: Bubbletea model for the speaker control TUI
// ABOUTME: Holds the speaker list, selection and volume, and turns keys into manager commands
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/picapico/audioshare/internal/manager"
	"github.com/picapico/audioshare/internal/speaker"
	"github.com/picapico/audioshare/internal/version"
	pcm "github.com/picapico/audioshare/pkg/audio"
)

const (
	volumeStep    = 5
	actionTimeout = 10 * time.Second
)

// Controller is the part of the manager the TUI drives
type Controller interface {
	State(ctx context.Context) (manager.State, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	SetChannel(ctx context.Context, id string, ch pcm.Channel) error
	SetVolume(ctx context.Context, volume int) error
	SetMode(ctx context.Context, usb bool) error
	Refresh(ctx context.Context) error
	AddSpeaker(ctx context.Context, id string) (string, error)
	RenameSpeaker(ctx context.Context, id, newID string) error
	RemoveSpeaker(ctx context.Context, id string) error
}

// StateMsg replaces the whole view state
type StateMsg manager.State

// EventMsg carries a manager event
type EventMsg manager.Event

// resultMsg reports the outcome of a command
type resultMsg struct {
	what string
	err  error
}

// Model represents the TUI state
type Model struct {
	ctrl Controller

	speakers   []speaker.Info
	selected   int
	connected  int
	volume     int
	usb        bool
	audioID    string
	sampleRate int
	capturing  bool

	// address editor for an UnConnected IP speaker
	editing string
	input   string

	notice   string
	failed   bool
	quitting bool

	width  int
	height int
}

// NewModel creates a model driving ctrl
func NewModel(ctrl Controller) Model {
	return Model{ctrl: ctrl, volume: -1}
}

// Init loads the first snapshot
func (m Model) Init() tea.Cmd {
	return m.fetchState()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StateMsg:
		m.applyState(manager.State(msg))
	case EventMsg:
		return m.applyEvent(manager.Event(msg))
	case resultMsg:
		if msg.err != nil {
			m.setNotice(fmt.Sprintf("%s: %v", msg.what, msg.err), true)
		} else if msg.what != "" {
			m.setNotice(msg.what, false)
		}
		return m, m.fetchState()
	}
	return m, nil
}

func (m *Model) applyState(st manager.State) {
	m.speakers = st.Speakers
	m.connected = st.ConnectedCount
	m.volume = st.Volume
	m.usb = st.USB
	m.audioID = st.AudioID
	m.sampleRate = st.SampleRate
	m.capturing = st.Capturing
	m.clampSelection()
}

func (m Model) applyEvent(ev manager.Event) (tea.Model, tea.Cmd) {
	switch ev.Kind {
	case manager.SpeakersChanged:
		m.speakers = ev.Speakers
		m.clampSelection()
	case manager.StatusChanged:
		if ev.Speaker != nil {
			m.replace(*ev.Speaker)
		}
	case manager.ConnectedCount:
		m.connected = ev.Count
	case manager.VolumeChanged:
		m.volume = ev.Volume
	case manager.Disconnected:
		if ev.Speaker != nil {
			m.replace(*ev.Speaker)
			m.setNotice(ev.Speaker.Display+" disconnected, press R to reconnect", true)
		}
	}
	return m, nil
}

func (m *Model) replace(info speaker.Info) {
	for i := range m.speakers {
		if m.speakers[i].ID == info.ID {
			m.speakers[i] = info
			return
		}
	}
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.speakers) {
		m.selected = len(m.speakers) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *Model) setNotice(text string, failed bool) {
	m.notice = text
	m.failed = failed
}

// current returns the highlighted speaker
func (m Model) current() (speaker.Info, bool) {
	if m.selected < 0 || m.selected >= len(m.speakers) {
		return speaker.Info{}, false
	}
	return m.speakers[m.selected], true
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing != "" {
		return m.handleEditKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.speakers)-1 {
			m.selected++
		}
	case "+", "=", "right":
		return m, m.changeVolume(volumeStep)
	case "-", "left":
		return m, m.changeVolume(-volumeStep)
	case "enter", " ":
		if info, ok := m.current(); ok {
			if info.Status == speaker.StatusUnConnected {
				return m, m.run("connect "+info.Display, func(ctx context.Context) error {
					return m.ctrl.Connect(ctx, info.ID)
				})
			}
			return m, m.run("disconnect "+info.Display, func(ctx context.Context) error {
				return m.ctrl.Disconnect(ctx, info.ID)
			})
		}
	case "R":
		if info, ok := m.current(); ok {
			return m, m.run("reconnect "+info.Display, func(ctx context.Context) error {
				return m.ctrl.Reconnect(ctx, info.ID)
			})
		}
	case "c":
		if info, ok := m.current(); ok {
			next := nextChannel(info.Channel)
			return m, m.run(fmt.Sprintf("%s channel %s", info.Display, next), func(ctx context.Context) error {
				return m.ctrl.SetChannel(ctx, info.ID, next)
			})
		}
	case "a":
		if !m.usb {
			return m, m.run("add speaker", func(ctx context.Context) error {
				_, err := m.ctrl.AddSpeaker(ctx, "")
				return err
			})
		}
	case "e":
		if info, ok := m.current(); ok && !info.USB && info.Status == speaker.StatusUnConnected {
			m.editing = info.ID
			m.input = info.ID
		}
	case "x", "delete":
		if info, ok := m.current(); ok {
			return m, m.run("remove "+info.Display, func(ctx context.Context) error {
				return m.ctrl.RemoveSpeaker(ctx, info.ID)
			})
		}
	case "u":
		usb := !m.usb
		return m, m.run(modeName(usb)+" mode", func(ctx context.Context) error {
			return m.ctrl.SetMode(ctx, usb)
		})
	case "r":
		return m, m.run("refresh", func(ctx context.Context) error {
			return m.ctrl.Refresh(ctx)
		})
	}

	return m, nil
}

// handleEditKey edits the address of the speaker being renamed
func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEsc:
		m.editing, m.input = "", ""
	case tea.KeyEnter:
		id, newID := m.editing, strings.TrimSpace(m.input)
		m.editing, m.input = "", ""
		if newID == id {
			return m, nil
		}
		return m, m.run("rename "+id+" to "+newID, func(ctx context.Context) error {
			return m.ctrl.RenameSpeaker(ctx, id, newID)
		})
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

func (m *Model) changeVolume(delta int) tea.Cmd {
	if m.volume < 0 || m.ctrl == nil {
		return nil
	}
	target := m.volume + delta
	if target < 0 {
		target = 0
	}
	if target > 100 {
		target = 100
	}
	if target == m.volume {
		return nil
	}
	m.volume = target
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := ctrl.SetVolume(ctx, target); err != nil {
			return resultMsg{what: "volume", err: err}
		}
		return nil
	}
}

// run executes fn off the update loop and reports the result
func (m Model) run(what string, fn func(ctx context.Context) error) tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return resultMsg{what: what, err: fn(ctx)}
	}
}

func (m Model) fetchState() tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		st, err := ctrl.State(ctx)
		if err != nil {
			return resultMsg{what: "state", err: err}
		}
		return StateMsg(st)
	}
}

// nextChannel cycles none -> left -> right -> stereo -> none
func nextChannel(ch pcm.Channel) pcm.Channel {
	switch ch {
	case pcm.ChannelNone:
		return pcm.ChannelLeft
	case pcm.ChannelLeft:
		return pcm.ChannelRight
	case pcm.ChannelRight:
		return pcm.ChannelStereo
	default:
		return pcm.ChannelNone
	}
}

func modeName(usb bool) string {
	if usb {
		return "USB"
	}
	return "IP"
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	listStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	busyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Faint(true)
)

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Disconnecting speakers...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render(version.Product + " " + version.String()))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Mode: "))
	b.WriteString(valueStyle.Render(modeName(m.usb)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Capture: "))
	switch {
	case m.audioID == "":
		b.WriteString(valueStyle.Render("no device"))
	case m.capturing:
		b.WriteString(valueStyle.Render(fmt.Sprintf("%s @ %dHz", m.audioID, m.sampleRate)))
	default:
		b.WriteString(valueStyle.Render(fmt.Sprintf("%s (idle)", m.audioID)))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Volume: "))
	if m.volume < 0 {
		b.WriteString(valueStyle.Render("-"))
	} else {
		b.WriteString(valueStyle.Render(fmt.Sprintf("[%s] %d%%", renderBar(m.volume, 100, 20), m.volume)))
	}
	b.WriteString("\n\n")

	b.WriteString(listStyle.Render(fmt.Sprintf("Speakers (%d connected)", m.connected)))
	b.WriteString("\n\n")

	if len(m.speakers) == 0 {
		b.WriteString(valueStyle.Render("  No speakers found"))
		b.WriteString("\n")
	}
	for i, info := range m.speakers {
		cursor := "  "
		name := valueStyle.Render(info.Display)
		if i == m.selected {
			cursor = "> "
			name = selectedStyle.Render(info.Display)
		}
		b.WriteString(cursor)
		b.WriteString(name)
		b.WriteString(" ")
		b.WriteString(statusStyle(info.Status).Render(info.Status.String()))
		b.WriteString(valueStyle.Render(" (" + info.Channel.String() + ")"))
		b.WriteString("\n")
	}

	if m.editing != "" {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("Address: "))
		b.WriteString(selectedStyle.Render(m.input + "█"))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter save  esc cancel"))
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString("\n")
		if m.failed {
			b.WriteString(errorStyle.Render(m.notice))
		} else {
			b.WriteString(valueStyle.Render(m.notice))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select  enter connect  c channel  +/- volume  a add  e edit  x remove  u mode  r refresh  q quit"))

	return b.String()
}

func statusStyle(s speaker.Status) lipgloss.Style {
	switch s {
	case speaker.StatusConnected:
		return okStyle
	case speaker.StatusConnecting:
		return busyStyle
	default:
		return valueStyle
	}
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
