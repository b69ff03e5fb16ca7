package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/gridconveyor/engine"
	"github.com/franksops/gridconveyor/store"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		progress       float64
		bytesPerMs     float64
		totalBytes     int64
		completedBytes int64
		expected       string
	}{
		{0.0, 1000, 10000, 0, "Calculating..."},
		{0.5, 0, 10000, 5000, "Calculating..."},
		{0.5, 1, 10000, 5000, "5s"}, // 5000 bytes at 1 byte/ms
		{1.0, 10, 1000, 1000, "0s"},
		{0.1, 0.001, 1 << 30, 1 << 20, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes)
		if result != tt.expected {
			t.Errorf("formatETA(%v, %v, %v, %v) = %v; want %v",
				tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes, result, tt.expected)
		}
	}
}

func event(kind engine.EventKind, at time.Time, d store.Descriptor) engine.StatusEvent {
	return engine.StatusEvent{Kind: kind, At: at, Descriptor: d}
}

func TestUIState_Apply(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := store.Descriptor{ID: "0123456789", Type: store.TypePut, TotalFiles: 2, TotalBytes: 400}

	var s UIState
	s.Apply(event(engine.EventStarted, t0, d))
	if s.Current == nil || s.Current.ID != d.ID {
		t.Fatalf("expected %s to be current, got %+v", d.ID, s.Current)
	}

	ev := event(engine.EventProgress, t0.Add(2*time.Second), d)
	ev.File, ev.InFlightBytes = "/data/a.bin", 100
	s.Apply(ev)
	if s.Current.Bytes != 100 || s.Current.BytesSec != 50 {
		t.Errorf("progress not applied: %+v", s.Current)
	}
	if got := s.Current.Progress(); got != 0.25 {
		t.Errorf("Progress() = %v; want 0.25", got)
	}

	// Events for another descriptor do not touch the current one.
	other := event(engine.EventProgress, t0, store.Descriptor{ID: "other"})
	other.InFlightBytes = 999
	s.Apply(other)
	if s.Current.Bytes != 100 {
		t.Errorf("foreign progress applied: %+v", s.Current)
	}

	d.FilesTransferred, d.BytesTransferred = 2, 400
	s.Apply(event(engine.EventCompleted, t0.Add(3*time.Second), d))
	if s.Current != nil {
		t.Errorf("expected no current transfer, got %+v", s.Current)
	}
	if s.Completed != 1 || len(s.Finished) != 1 || s.Finished[0].Outcome != engine.EventCompleted {
		t.Errorf("completion not recorded: %+v", s)
	}

	for i := 0; i < historySize+5; i++ {
		f := event(engine.EventFailed, t0, store.Descriptor{ID: "f", Type: store.TypeGet})
		f.Message = "boom"
		s.Apply(f)
	}
	if s.Failed != historySize+5 {
		t.Errorf("Failed = %d; want %d", s.Failed, historySize+5)
	}
	if len(s.Finished) != historySize {
		t.Errorf("history holds %d entries; want %d", len(s.Finished), historySize)
	}
}

type fakeController struct {
	pauses, cancels int
	err             error
}

func (f *fakeController) PauseCurrent() error  { f.pauses++; return f.err }
func (f *fakeController) CancelCurrent() error { f.cancels++; return f.err }

func TestTUIModel_Keys(t *testing.T) {
	ctrl := &fakeController{}
	model := NewTUIModel(ctrl)

	next, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = next.(TUIModel)
	if ctrl.pauses != 1 || model.state.Notice != "pause requested" {
		t.Errorf("pause key: pauses=%d notice=%q", ctrl.pauses, model.state.Notice)
	}

	ctrl.err = engine.ErrNotRunning
	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	model = next.(TUIModel)
	if ctrl.cancels != 1 || model.state.Notice != "nothing to cancel" {
		t.Errorf("cancel key: cancels=%d notice=%q", ctrl.cancels, model.state.Notice)
	}

	ctrl.err = errors.New("store closed")
	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = next.(TUIModel)
	if !strings.Contains(model.state.Notice, "store closed") {
		t.Errorf("unexpected notice %q", model.state.Notice)
	}

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("q did not quit")
	}
}

func TestTUIModel_View(t *testing.T) {
	model := NewTUIModel(nil)
	if !strings.Contains(model.View(), "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}

	next, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model = next.(TUIModel)
	if !strings.Contains(model.View(), "Waiting for work...") {
		t.Errorf("expected idle view, got:\n%s", model.View())
	}

	d := store.Descriptor{ID: "abcdef0123", Type: store.TypeGet, TotalFiles: 3, TotalBytes: 300}
	next, _ = model.Update(StatusMsg(event(engine.EventStarted, time.Now(), d)))
	model = next.(TUIModel)
	view := model.View()
	if !strings.Contains(view, "GET abcdef01") || !strings.Contains(view, "0/3 files") {
		t.Errorf("expected current transfer in view, got:\n%s", view)
	}

	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = next.(TUIModel)
	if !strings.Contains(model.View(), "read-only monitor") {
		t.Errorf("expected read-only notice without a controller")
	}
}
