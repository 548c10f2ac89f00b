// Package progressview renders a sync run's progress stream as a terminal
// UI: a progress bar, byte counters, and paused/retrying indicators driven
// by the events the runner emits.
package progressview

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lempicka/lempicka-sync/pkg/syncrunner"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	statStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// eventMsg wraps one Event delivered over the subscription channel.
type eventMsg syncrunner.Event

// doneMsg signals the event channel has closed: the run finished one way or
// another.
type doneMsg struct{}

// Model is a bubbletea model that renders the latest Event from a sync run.
type Model struct {
	events  <-chan syncrunner.Event
	bar     progress.Model
	spin    spinner.Model
	latest  syncrunner.Event
	started bool
	done    bool
	failed  bool
}

// New builds a Model that reads progress events from events until the
// channel is closed. Callers typically pass the channel end fed by
// syncrunner.Options.OnProgress via a small adapter goroutine.
func New(events <-chan syncrunner.Event) Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	return Model{
		events: events,
		bar:    progress.New(progress.WithDefaultGradient()),
		spin:   s,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan syncrunner.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case eventMsg:
		m.started = true
		m.latest = syncrunner.Event(msg)
		if m.latest.Phase == "failed" {
			m.failed = true
		}
		if m.latest.Phase == "complete" {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		newBar, cmd := m.bar.Update(msg)
		m.bar = newBar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if !m.started {
		return fmt.Sprintf("%s preparing sync…\n", m.spin.View())
	}

	var fraction float64
	if m.latest.Total > 0 {
		fraction = float64(m.latest.Completed) / float64(m.latest.Total)
	}

	var b string
	b += titleStyle.Render("lempicka-sync") + "\n"
	b += m.bar.ViewAs(fraction) + "\n"
	b += statStyle.Render(fmt.Sprintf(
		"%d/%d files · %s · %s/s",
		m.latest.Completed, m.latest.Total,
		formatBytes(m.latest.BytesTransferred),
		formatBytes(int64(m.latest.ThroughputBps)),
	)) + "\n"

	if m.latest.IsPaused {
		b += pausedStyle.Render("paused") + "\n"
	}
	if m.latest.Phase == "retrying" {
		b += pausedStyle.Render(fmt.Sprintf("retrying (attempt %d)", m.latest.RetryAttempt)) + "\n"
	}
	if m.latest.TargetRelativePath != "" {
		b += statStyle.Render(m.latest.TargetRelativePath) + "\n"
	}
	if m.failed && m.latest.Message != "" {
		b += errorStyle.Render(m.latest.Message) + "\n"
	}
	return b
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// EventChannel adapts an OnProgress callback into a channel Model can
// subscribe to, closing the channel once run returns.
func EventChannel(run func(onProgress func(syncrunner.Event)) (syncrunner.Result, error)) (<-chan syncrunner.Event, func() (syncrunner.Result, error)) {
	events := make(chan syncrunner.Event, 16)
	var result syncrunner.Result
	var runErr error
	done := make(chan struct{})

	go func() {
		defer close(events)
		defer close(done)
		result, runErr = run(func(ev syncrunner.Event) {
			select {
			case events <- ev:
			case <-time.After(time.Second):
				// Drop the event rather than block the sync run if nobody's
				// draining the channel fast enough.
			}
		})
	}()

	return events, func() (syncrunner.Result, error) {
		<-done
		return result, runErr
	}
}
