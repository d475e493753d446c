package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-wald/pkg/engine"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginLeft(1)

	statusBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(1)

	tableBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			MarginLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true).
			MarginLeft(1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).MarginLeft(1)
)

type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type statusMsg struct {
	status engine.NodeStatus
	err    error
}

type tickMsg time.Time

type model struct {
	addr    string
	status  engine.NodeStatus
	err     error
	table   table.Model
	fetched time.Time
}

func newModel(addr string) model {
	columns := []table.Column{
		{Title: "Replica", Width: 20},
		{Title: "Slot", Width: 14},
		{Title: "Mode", Width: 6},
		{Title: "Persisted", Width: 12},
		{Title: "Applied", Width: 12},
		{Title: "Last Seen", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#00FFFF"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#FFFF00"))
	t.SetStyles(styles)
	return model{addr: addr, table: t}
}

func fetchStatus(addr string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(addr + "/v1/status")
		if err != nil {
			return statusMsg{err: err}
		}
		defer resp.Body.Close()

		var status engine.NodeStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{status: status}
	}
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.addr), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, fetchStatus(m.addr)
		}

	case tickMsg:
		return m, tea.Batch(fetchStatus(m.addr), tick())

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.fetched = time.Now()
			m.table.SetRows(replicaRows(msg.status))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func replicaRows(status engine.NodeStatus) []table.Row {
	rows := make([]table.Row, 0, len(status.Replicas))
	for _, r := range status.Replicas {
		mode := "async"
		if r.Sync {
			mode = "sync"
		}
		rows = append(rows, table.Row{
			r.ReplicaID, r.SlotName, mode,
			r.PersistedLSN, r.AppliedLSN,
			time.Since(r.LastSeen).Round(time.Second).String() + " ago",
		})
	}
	return rows
}

func (m model) View() string {
	s := titleStyle.Render("waldtop - " + m.addr)
	s += "\n\n"

	if m.err != nil {
		s += errorStyle.Render("connection error: "+m.err.Error()) + "\n"
		s += helpStyle.Render("r refresh · q quit") + "\n"
		return s
	}

	st := m.status
	overview := fmt.Sprintf(
		"%s %s   %s %d   %s %s   %s %s   %s %s",
		labelStyle.Render("role"), st.Role,
		labelStyle.Render("timeline"), st.Timeline,
		labelStyle.Render("last"), st.LastLSN,
		labelStyle.Render("redo"), st.RedoLSN,
		labelStyle.Render("applied"), st.AppliedLSN,
	)
	if st.LastArchived > 0 || st.Backlog > 0 {
		overview += fmt.Sprintf("   %s %d (%d queued)",
			labelStyle.Render("archived"), st.LastArchived, st.Backlog)
	}
	s += statusBoxStyle.Render(overview) + "\n\n"

	if st.Role == "primary" {
		s += tableBoxStyle.Render(m.table.View()) + "\n"
	} else if st.Receiver != nil {
		recv := fmt.Sprintf(
			"%s %v   %s %s   %s %s",
			labelStyle.Render("streaming"), st.Receiver.Connected,
			labelStyle.Render("primary"), st.Receiver.PrimaryLSN,
			labelStyle.Render("applied"), st.Receiver.AppliedLSN,
		)
		if st.Receiver.LastError != "" {
			recv += "\n" + errorStyle.Render(st.Receiver.LastError)
		}
		s += statusBoxStyle.Render(recv) + "\n"
	}

	s += helpStyle.Render(fmt.Sprintf("updated %s · r refresh · q quit",
		m.fetched.Format("15:04:05"))) + "\n"
	return s
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:7433", "admin address of the node")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
