// Package ui renders executor status events in the terminal.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/gridconveyor/engine"
)

// historySize bounds the finished descriptors kept on screen.
const historySize = 10

// Controller acts on the running descriptor. *engine.Executor implements it.
type Controller interface {
	PauseCurrent() error
	CancelCurrent() error
}

// UIState is what the monitor knows about the conveyor.
type UIState struct {
	Current   *ActiveTransfer
	Finished  []FinishedTransfer
	Completed int
	Failed    int
	Notice    string
}

// ActiveTransfer is the descriptor currently held by the executor.
type ActiveTransfer struct {
	ID         string
	Type       string
	File       string
	TotalFiles int
	FilesDone  int
	TotalBytes int64
	// Bytes counts confirmed files plus the in-flight part of File.
	Bytes    int64
	Started  time.Time
	BytesSec float64
}

// Progress is the fraction of bytes moved, 0.0 to 1.0.
func (a *ActiveTransfer) Progress() float64 {
	if a.TotalBytes <= 0 {
		return 0
	}
	p := float64(a.Bytes) / float64(a.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// FinishedTransfer is a descriptor attempt that left the executor.
type FinishedTransfer struct {
	ID      string
	Type    string
	Outcome engine.EventKind
	Message string
}

// StatusMsg carries one executor event into the program.
type StatusMsg engine.StatusEvent

// Apply folds ev into the state.
func (s *UIState) Apply(ev engine.StatusEvent) {
	d := ev.Descriptor
	switch ev.Kind {
	case engine.EventStarted:
		s.Current = &ActiveTransfer{
			ID:         d.ID,
			Type:       string(d.Type),
			TotalFiles: d.TotalFiles,
			FilesDone:  d.FilesTransferred,
			TotalBytes: d.TotalBytes,
			Bytes:      d.BytesTransferred,
			Started:    ev.At,
		}
		s.Notice = ""
	case engine.EventProgress, engine.EventFileComplete:
		if s.Current == nil || s.Current.ID != d.ID {
			return
		}
		c := s.Current
		c.File = ev.File
		c.TotalFiles = d.TotalFiles
		c.FilesDone = d.FilesTransferred
		c.TotalBytes = d.TotalBytes
		c.Bytes = d.BytesTransferred + ev.InFlightBytes
		if elapsed := ev.At.Sub(c.Started).Seconds(); elapsed > 0 {
			c.BytesSec = float64(c.Bytes) / elapsed
		}
	case engine.EventCompleted, engine.EventFailed, engine.EventRetrying, engine.EventPaused, engine.EventCancelled:
		if s.Current != nil && s.Current.ID == d.ID {
			s.Current = nil
		}
		switch ev.Kind {
		case engine.EventCompleted:
			s.Completed++
		case engine.EventFailed:
			s.Failed++
		}
		s.Finished = append([]FinishedTransfer{{
			ID:      d.ID,
			Type:    string(d.Type),
			Outcome: ev.Kind,
			Message: ev.Message,
		}}, s.Finished...)
		if len(s.Finished) > historySize {
			s.Finished = s.Finished[:historySize]
		}
	}
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	state    *UIState
	ctrl     Controller
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

func NewTUIModel(ctrl Controller) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return TUIModel{
		state:        &UIState{},
		ctrl:         ctrl,
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.state.Notice = m.control("pause", m.pause)
		case "c":
			m.state.Notice = m.control("cancel", m.cancel)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case StatusMsg:
		m.state.Apply(engine.StatusEvent(msg))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) pause() error  { return m.ctrl.PauseCurrent() }
func (m TUIModel) cancel() error { return m.ctrl.CancelCurrent() }

func (m TUIModel) control(verb string, f func() error) string {
	if m.ctrl == nil {
		return "read-only monitor"
	}
	if err := f(); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			return "nothing to " + verb
		}
		return fmt.Sprintf("%s failed: %v", verb, err)
	}
	return verb + " requested"
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s Conveyor %s\n", m.spinner.View(), m.titleStyle.Render("Grid Transfer Monitor")))
	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("Completed: %d | Failed: %d", m.state.Completed, m.state.Failed)) + "\n")

	if c := m.state.Current; c != nil {
		info := fmt.Sprintf("%s %s | %d/%d files | %s | ETA: %s",
			c.Type, shortID(c.ID), c.FilesDone, c.TotalFiles,
			formatSpeed(c.BytesSec), formatETA(c.Progress(), c.BytesSec/1000, c.TotalBytes, c.Bytes))
		sb.WriteString(m.streamStyle.Render(info) + "\n")
		sb.WriteString(m.progress.ViewAs(c.Progress()) + "\n")
		sb.WriteString(m.infoStyle.Render(truncate(c.File, 60)) + "\n\n")
	} else {
		sb.WriteString(m.infoStyle.Render("Waiting for work...") + "\n\n\n")
	}

	var history strings.Builder
	history.WriteString("Recent:\n")
	if len(m.state.Finished) == 0 {
		history.WriteString(m.infoStyle.Render("Nothing finished yet..."))
	}
	for _, f := range m.state.Finished {
		line := fmt.Sprintf("%-10s %-12s %s", f.Outcome, f.Type, shortID(f.ID))
		switch f.Outcome {
		case engine.EventCompleted:
			line = m.successStyle.Render(line)
		case engine.EventFailed:
			line = m.errorStyle.Render(line + " " + f.Message)
		}
		history.WriteString(line + "\n")
	}
	m.viewport.SetContent(history.String())
	sb.WriteString(m.viewport.View())

	help := "q/ctrl+c: quit • p: pause current • c: cancel current"
	if m.state.Notice != "" {
		help = m.state.Notice + " • " + help
	}
	sb.WriteString("\n" + m.helpStyle.Render(help))
	return sb.String()
}

// Monitor is an engine.StatusListener that feeds a running TUI.
type Monitor struct {
	model TUIModel

	mu   sync.Mutex
	prog *tea.Program
}

var _ engine.StatusListener = (*Monitor)(nil)

func NewMonitor(ctrl Controller) *Monitor {
	return &Monitor{model: NewTUIModel(ctrl)}
}

// OnStatus forwards ev to the program. Events before Run or after the
// program exits are dropped.
func (m *Monitor) OnStatus(_ context.Context, ev engine.StatusEvent) error {
	m.mu.Lock()
	p := m.prog
	m.mu.Unlock()
	if p != nil {
		p.Send(StatusMsg(ev))
	}
	return nil
}

// Run shows the monitor until the user quits or ctx is done.
func (m *Monitor) Run(ctx context.Context, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	p := tea.NewProgram(m.model, opts...)

	m.mu.Lock()
	m.prog = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.prog = nil
		m.mu.Unlock()
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return "..." + s[len(s)-(n-3):]
	}
	return s
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	d := time.Duration(float64(remainingBytes)/bytesPerMs) * time.Millisecond
	if d.Hours() > 24 {
		return "> 1d"
	}
	return d.Round(time.Second).String()
}
