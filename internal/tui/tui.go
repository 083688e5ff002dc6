// Package tui is a read-only terminal dashboard over registered groups,
// scheduled tasks and their recent runs.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

const (
	refreshInterval = 2 * time.Second
	sidebarWidth    = 28
	runLogsPerTask  = 3
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	sidebarStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	mainStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	taskStyle    = lipgloss.NewStyle().Bold(true)
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// GroupRow is a registered group and its chat id.
type GroupRow struct {
	ChatID string
	Group  types.RegisteredGroup
}

// Snapshot is everything the dashboard renders, loaded in one pass.
type Snapshot struct {
	Groups   []GroupRow
	Tasks    []types.ScheduledTask
	RunLogs  map[string][]types.TaskRunLog
	LoadedAt time.Time
}

// Loader produces a fresh Snapshot.
type Loader func(ctx context.Context) (Snapshot, error)

// StoreLoader reads the dashboard data from the database and group registry.
func StoreLoader(store *db.DB, reg *state.Registry) Loader {
	return func(ctx context.Context) (Snapshot, error) {
		snap := Snapshot{RunLogs: make(map[string][]types.TaskRunLog), LoadedAt: time.Now()}
		for chatID, g := range reg.All() {
			snap.Groups = append(snap.Groups, GroupRow{ChatID: chatID, Group: g})
		}
		sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Group.Folder < snap.Groups[j].Group.Folder })

		tasks, err := store.GetAllTasks(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Tasks = tasks
		for _, t := range tasks {
			logs, err := store.GetTaskRunLogs(ctx, t.ID, runLogsPerTask)
			if err != nil {
				return Snapshot{}, err
			}
			snap.RunLogs[t.ID] = logs
		}
		return snap, nil
	}
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

type groupItem struct {
	row GroupRow
	all bool
}

func (g groupItem) Title() string {
	if g.all {
		return "All groups"
	}
	return g.row.Group.Name
}

func (g groupItem) Description() string {
	if g.all {
		return "every task"
	}
	return g.row.Group.Folder + " · " + g.row.ChatID
}

func (g groupItem) FilterValue() string { return g.Title() }

type panel int

const (
	panelSidebar panel = iota
	panelMain
)

// Model is the bubbletea model for the dashboard.
type Model struct {
	ctx           context.Context
	load          Loader
	width, height int

	snap      Snapshot
	err       error
	groupList list.Model
	view      viewport.Model
	focus     panel
}

// New builds the dashboard model.
func New(ctx context.Context, load Loader) Model {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Groups"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	return Model{
		ctx:       ctx,
		load:      load,
		groupList: l,
		view:      viewport.New(0, 0),
	}
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, load Loader) error {
	_, err := tea.NewProgram(New(ctx, load), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.load(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			m.focus = (m.focus + 1) % 2
			return m, nil
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.setGroups(msg.snap.Groups)
		}
		m.view.SetContent(m.renderTasks())
		return m, nil
	}

	switch m.focus {
	case panelSidebar:
		before := m.groupList.Index()
		var cmd tea.Cmd
		m.groupList, cmd = m.groupList.Update(msg)
		cmds = append(cmds, cmd)
		if m.groupList.Index() != before {
			m.view.SetContent(m.renderTasks())
			m.view.GotoTop()
		}
	case panelMain:
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}
	sidebar := sidebarStyle.Width(sidebarWidth).Height(m.height - 2).Render(m.groupList.View())

	header := headerStyle.Render("tgclaw  ›  " + m.selectedTitle())
	body := mainStyle.Width(m.mainWidth()).Height(m.view.Height + 2).Render(m.view.View())

	status := "Tab: switch panel  r: refresh  q: quit"
	if !m.snap.LoadedAt.IsZero() {
		status = "updated " + m.snap.LoadedAt.Format("15:04:05") + "  " + status
	}
	if m.err != nil {
		status = errorStyle.Render("load failed: "+m.err.Error()) + "  " + status
	}

	right := lipgloss.JoinVertical(lipgloss.Left, header, body, statusStyle.Render(status))
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, right)
}

func (m *Model) mainWidth() int {
	return m.width - sidebarWidth - 4
}

func (m *Model) layout() {
	m.groupList.SetWidth(sidebarWidth - 2)
	m.groupList.SetHeight(m.height - 4)
	m.view.Width = m.mainWidth() - 2
	m.view.Height = m.height - 6
	m.view.SetContent(m.renderTasks())
}

func (m *Model) setGroups(rows []GroupRow) {
	items := make([]list.Item, 0, len(rows)+1)
	items = append(items, groupItem{all: true})
	for _, r := range rows {
		items = append(items, groupItem{row: r})
	}
	idx := m.groupList.Index()
	m.groupList.SetItems(items)
	if idx >= len(items) {
		idx = 0
	}
	m.groupList.Select(idx)
}

// selectedFolder is "" when every group is shown.
func (m *Model) selectedFolder() string {
	item, ok := m.groupList.SelectedItem().(groupItem)
	if !ok || item.all {
		return ""
	}
	return item.row.Group.Folder
}

func (m *Model) selectedTitle() string {
	item, ok := m.groupList.SelectedItem().(groupItem)
	if !ok {
		return "All groups"
	}
	return item.Title()
}

func (m *Model) renderTasks() string {
	folder := m.selectedFolder()
	var sb strings.Builder
	n := 0
	for _, t := range m.snap.Tasks {
		if folder != "" && t.GroupFolder != folder {
			continue
		}
		n++
		writeTask(&sb, t, m.snap.RunLogs[t.ID])
	}
	if n == 0 {
		return statusStyle.Render("No scheduled tasks.")
	}
	return sb.String()
}

func writeTask(sb *strings.Builder, t types.ScheduledTask, logs []types.TaskRunLog) {
	fmt.Fprintf(sb, "%s  %s  [%s]\n", taskStyle.Render(t.ID), statusBadge(t.Status), t.GroupFolder)
	fmt.Fprintf(sb, "  %s %s  (%s)\n", t.ScheduleType, t.ScheduleValue, t.ContextMode)
	fmt.Fprintf(sb, "  prompt: %s\n", oneLine(t.Prompt, 80))
	fmt.Fprintf(sb, "  next: %s   last: %s\n", relTime(t.NextRun), relTime(t.LastRun))
	if t.LastResult != nil {
		fmt.Fprintf(sb, "  result: %s\n", oneLine(*t.LastResult, 80))
	}
	for _, l := range logs {
		line := fmt.Sprintf("    %s %s in %s", relTime(&l.RunAt), l.Status, time.Duration(l.DurationMS)*time.Millisecond)
		if l.Error != nil {
			line += errorStyle.Render("  " + oneLine(*l.Error, 60))
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")
}

func statusBadge(s types.TaskStatus) string {
	switch s {
	case types.TaskActive:
		return activeStyle.Render(string(s))
	case types.TaskPaused:
		return pausedStyle.Render(string(s))
	default:
		return doneStyle.Render(string(s))
	}
}

func relTime(ts *string) string {
	if ts == nil || *ts == "" {
		return "-"
	}
	t, err := types.ParseTime(*ts)
	if err != nil {
		return *ts
	}
	return humanize.Time(t)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
