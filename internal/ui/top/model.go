// Package top implements the fleet status TUI. The model polls the
// daemon's REST API on a fixed interval and renders the scheduler
// state, the worker fleet, and the ready queue.
package top

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// defaultPollInterval is used when the configured interval is zero.
const defaultPollInterval = 2 * time.Second

// keyMap defines the keybindings for the status view.
type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// tickMsg drives the poll loop.
type tickMsg time.Time

// snapshotMsg carries a successful poll result.
type snapshotMsg Snapshot

// fetchErrMsg carries a failed poll. The view keeps the last good
// snapshot and shows the error until the next successful poll.
type fetchErrMsg struct{ err error }

// Model is the bubbletea model for the fleet status view.
type Model struct {
	client   *Client
	interval time.Duration
	keys     keyMap

	snap      Snapshot
	connected bool
	lastErr   string
	polledAt  time.Time

	width  int
	height int
}

// New creates the model. A non-positive interval takes the default.
func New(client *Client, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return Model{client: client, interval: interval, keys: defaultKeyMap()}
}

// Init starts the first poll and the tick loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := client.Fetch(ctx)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return snapshotMsg(snap)
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles polling, resize, and key messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.connected = true
		m.lastErr = ""
		m.polledAt = time.Now()
		return m, nil

	case fetchErrMsg:
		m.connected = false
		m.lastErr = msg.err.Error()
		return m, nil
	}
	return m, nil
}
