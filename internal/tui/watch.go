package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Fetcher reads a fresh ledger snapshot.
type Fetcher func(ctx context.Context) (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

var (
	quitKey    = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	refreshKey = key.NewBinding(key.WithKeys("r"))
	switchKey  = key.NewBinding(key.WithKeys("tab"))
)

// WatchModel is a live view of one user's packages and transactions.
type WatchModel struct {
	ctx      context.Context
	fetch    Fetcher
	interval time.Duration

	packages     table.Model
	transactions table.Model
	focusTx      bool

	snap     Snapshot
	err      error
	loaded   bool
	width    int
	quitting bool
}

// NewWatchModel creates a watch view refreshed every interval.
func NewWatchModel(ctx context.Context, fetch Fetcher, interval time.Duration) WatchModel {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorMuted).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.Foreground(ColorPrimary).Bold(true)

	pkgs := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 8},
			{Title: "SOURCE", Width: 12},
			{Title: "SOURCE ID", Width: 20},
			{Title: "CREDITS", Width: 12},
			{Title: "EXPIRES", Width: 16},
			{Title: "STATUS", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
		table.WithStyles(styles),
	)
	txns := table.New(
		table.WithColumns([]table.Column{
			{Title: "TIME", Width: 19},
			{Title: "TYPE", Width: 6},
			{Title: "AMOUNT", Width: 8},
			{Title: "PACKAGE", Width: 8},
			{Title: "DESCRIPTION", Width: 30},
		}),
		table.WithHeight(10),
		table.WithStyles(styles),
	)

	return WatchModel{ctx: ctx, fetch: fetch, interval: interval, packages: pkgs, transactions: txns}
}

func (m WatchModel) load() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.fetch(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, quitKey):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, refreshKey):
			return m, m.load()
		case key.Matches(msg, switchKey):
			m.focusTx = !m.focusTx
			if m.focusTx {
				m.packages.Blur()
				m.transactions.Focus()
			} else {
				m.transactions.Blur()
				m.packages.Focus()
			}
			return m, nil
		}

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.apply(msg.snap)
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusTx {
		m.transactions, cmd = m.transactions.Update(msg)
	} else {
		m.packages, cmd = m.packages.Update(msg)
	}
	return m, cmd
}

func (m *WatchModel) apply(s Snapshot) {
	m.snap = s
	m.loaded = true

	var pkgRows []table.Row
	if s.Summary != nil {
		for _, p := range s.Summary.Packages {
			pkgRows = append(pkgRows, packageCells(p))
		}
	}
	m.packages.SetRows(pkgRows)

	txRows := make([]table.Row, 0, len(s.Transactions))
	for _, t := range s.Transactions {
		txRows = append(txRows, transactionCells(t))
	}
	m.transactions.SetRows(txRows)
}

func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	header := Title.Render("credithub ledger")
	if m.snap.User != nil {
		header = Title.Render("credithub ledger: " + m.snap.User.Username)
	}

	var body string
	switch {
	case !m.loaded && m.err == nil:
		body = Dimmed.Render("loading...")
	default:
		var total int64
		if m.snap.Summary != nil {
			total = m.snap.Summary.TotalCredits
		}
		body = Balance.Render(fmt.Sprintf("%d credits", total)) + "\n\n" +
			Subtitle.Render("Active packages") + "\n" + Border.Render(m.packages.View()) + "\n" +
			Subtitle.Render("Recent transactions") + "\n" + Border.Render(m.transactions.View())
	}

	status := Dimmed.Render("updated " + m.snap.At.Format("15:04:05"))
	if m.err != nil {
		status = ErrorStyle.Render("refresh failed: " + m.err.Error())
	}

	help := Help.Render("q quit  r refresh  tab switch table  j/k navigate")
	return lipgloss.JoinVertical(lipgloss.Left, header, body, "", status, help)
}

// Watch runs the live ledger view until the user quits or ctx is canceled.
func Watch(ctx context.Context, fetch Fetcher, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := tea.NewProgram(NewWatchModel(ctx, fetch, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
