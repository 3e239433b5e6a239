package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/kylemclaren/claude-goals/internal/scheduler"
)

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewDetail
	ViewAdd
)

// KeyMap defines keybindings
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	New     key.Binding
	Accept  key.Binding
	Pause   key.Binding
	Cancel  key.Binding
	Refresh key.Binding
	Search  key.Binding
	Save    key.Binding
	Tab     key.Binding
	Back    key.Binding
	Help    key.Binding
	Quit    key.Binding
}

var keys = KeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	New:     key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "new goal")),
	Accept:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "accept")),
	Pause:   key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume")),
	Cancel:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Search:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
	Save:    key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "save")),
	Tab:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next field")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.New, k.Accept, k.Pause, k.Cancel, k.Refresh, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.New, k.Accept, k.Pause, k.Cancel},
		{k.Refresh, k.Search, k.Help, k.Quit},
	}
}

// Model is the main TUI model
type Model struct {
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Scheduler
	accountID string

	// View state
	currentView View
	width       int
	height      int

	// List view
	tasks []*db.Task
	table table.Model

	// Search/filter
	searchMode  bool
	searchInput textinput.Model

	// Cancel confirmation
	confirmCancel      bool
	cancelTask         *db.Task
	cancelConfirmFocus int // 0 = Yes, 1 = No

	spinner  spinner.Model
	help     help.Model
	showHelp bool

	// New goal form
	goalInput  textinput.Model
	scopeInput textarea.Model
	formFocus  int
	formErr    string

	// Detail view
	selectedTask *db.Task
	viewport     viewport.Model
	coverageBar  progress.Model
	mdRenderer   *glamour.TermRenderer
	nextCycle    *time.Time

	// Status
	statusMsg   string
	statusErr   bool
	statusTimer int
}

// Layout constants
const (
	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4 // Logo + spacing
	footerHeight       = 4 // Help + status
	minTableHeight     = 5
	detailHeaderHeight = 6
	detailFooterHeight = 3
	refreshEvery       = 3 // ticks between reloads
)

// calculateTableColumns returns column definitions sized for the given width
func calculateTableColumns(width int) []table.Column {
	availableWidth := width - 4
	if availableWidth < minWidth {
		availableWidth = minWidth
	}
	if availableWidth > maxTableWidth {
		availableWidth = maxTableWidth
	}

	statusWidth := 12
	priorityWidth := 4
	coverageWidth := 9
	stepsWidth := 7
	remaining := availableWidth - statusWidth - priorityWidth - coverageWidth - stepsWidth - 12

	goalWidth := remaining * 70 / 100
	nextWidth := remaining - goalWidth
	if goalWidth < 20 {
		goalWidth = 20
	}
	if nextWidth < 12 {
		nextWidth = 12
	}

	return []table.Column{
		{Title: "Goal", Width: goalWidth},
		{Title: "Status", Width: statusWidth},
		{Title: "Pri", Width: priorityWidth},
		{Title: "Coverage", Width: coverageWidth},
		{Title: "Steps", Width: stepsWidth},
		{Title: "Next Run", Width: nextWidth},
	}
}

// NewModel creates a new TUI model. Goals created from the form belong to
// accountID.
func NewModel(lc *lifecycle.Manager, sched *scheduler.Scheduler, accountID string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warningColor)

	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimTextColor).
		BorderBottom(true).
		Bold(true).
		Foreground(accentColor)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(ts)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	searchInput := textinput.New()
	searchInput.Placeholder = "Search goals..."
	searchInput.CharLimit = 100
	searchInput.Width = 30

	goalInput := textinput.New()
	goalInput.Placeholder = "Research the best Python testing frameworks"
	goalInput.CharLimit = 2000
	goalInput.Width = 60

	scopeInput := textarea.New()
	scopeInput.Placeholder = "Optional: limits, focus areas, deliverables..."
	scopeInput.CharLimit = 2000
	scopeInput.SetWidth(62)
	scopeInput.SetHeight(5)
	scopeInput.ShowLineNumbers = false

	return Model{
		lifecycle:   lc,
		scheduler:   sched,
		accountID:   accountID,
		table:       t,
		searchInput: searchInput,
		spinner:     s,
		help:        h,
		goalInput:   goalInput,
		scopeInput:  scopeInput,
		viewport:    viewport.New(80, 20),
		coverageBar: progress.New(progress.WithGradient(string(claudeBlue), string(claudeGreen)), progress.WithWidth(40)),
		mdRenderer:  renderer,
	}
}

// Messages
type tasksLoadedMsg struct{ tasks []*db.Task }
type taskUpdatedMsg struct {
	task   *db.Task
	action string
}
type taskCreatedMsg struct{ task *db.Task }
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadTasks(),
		m.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) loadTasks() tea.Cmd {
	lc := m.lifecycle
	return func() tea.Msg {
		tasks, err := lc.ListTasks(context.Background(), db.TaskFilter{})
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

// taskAction runs a lifecycle operation and reports the updated task
func (m *Model) taskAction(action string, fn func(ctx context.Context) (*db.Task, error)) tea.Cmd {
	return func() tea.Msg {
		task, err := fn(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return taskUpdatedMsg{task: task, action: action}
	}
}

func (m *Model) acceptTask(id string) tea.Cmd {
	lc := m.lifecycle
	return m.taskAction("accepted", func(ctx context.Context) (*db.Task, error) {
		return lc.AcceptTask(ctx, id, nil)
	})
}

func (m *Model) togglePause(task *db.Task) tea.Cmd {
	lc := m.lifecycle
	id := task.ID
	switch task.Status {
	case db.StatusInProgress:
		return m.taskAction("paused", func(ctx context.Context) (*db.Task, error) { return lc.Pause(ctx, id) })
	case db.StatusPaused:
		return m.taskAction("resumed", func(ctx context.Context) (*db.Task, error) { return lc.Resume(ctx, id) })
	default:
		m.setStatus(fmt.Sprintf("Cannot pause or resume a %s goal", task.Status), true)
		return nil
	}
}

func (m *Model) cancelGoal(id string) tea.Cmd {
	lc := m.lifecycle
	return m.taskAction("cancelled", func(ctx context.Context) (*db.Task, error) {
		return lc.Cancel(ctx, id)
	})
}

func (m *Model) createGoal(goal, scope string) tea.Cmd {
	lc := m.lifecycle
	account := m.accountID
	return func() tea.Msg {
		ctx := context.Background()
		dup, err := lc.FindDuplicate(ctx, account, goal)
		if err != nil {
			return errMsg{err}
		}
		if dup != nil {
			return errMsg{fmt.Errorf("a similar goal is already open: %s", truncate(dup.Goal, 60))}
		}
		task, err := lc.CreateTask(ctx, lifecycle.NewTask{AccountID: account, Goal: goal, Scope: scope})
		if err != nil {
			return errMsg{err}
		}
		return taskCreatedMsg{task}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		switch m.currentView {
		case ViewList:
			return m.updateList(msg)
		case ViewDetail:
			return m.updateDetail(msg)
		case ViewAdd:
			return m.updateForm(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.table.SetColumns(calculateTableColumns(msg.Width))
		tableWidth := msg.Width - 4
		if tableWidth > maxTableWidth {
			tableWidth = maxTableWidth
		}
		m.table.SetWidth(tableWidth)

		availableHeight := msg.Height - headerHeight - footerHeight - 2 // 2 for app padding
		if availableHeight < minTableHeight {
			availableHeight = minTableHeight
		}
		m.table.SetHeight(availableHeight)

		viewportHeight := msg.Height - detailHeaderHeight - detailFooterHeight - 2
		if viewportHeight < 5 {
			viewportHeight = 5
		}
		m.viewport.Width = msg.Width - 6
		m.viewport.Height = viewportHeight
		m.help.Width = msg.Width

		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-10),
		); err == nil {
			m.mdRenderer = renderer
		}
		if m.selectedTask != nil {
			m.viewport.SetContent(m.renderDetailContent())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		if m.scheduler != nil {
			m.nextCycle = m.scheduler.NextCycleTime()
		}
		if m.statusTimer > 0 {
			m.statusTimer--
			if m.statusTimer == 0 {
				m.statusMsg = ""
			}
		}
		cmds = append(cmds, tickCmd())
		if time.Time(msg).Unix()%refreshEvery == 0 {
			cmds = append(cmds, m.loadTasks())
		}

	case tasksLoadedMsg:
		m.tasks = msg.tasks
		m.updateTable()
		if m.selectedTask != nil {
			for _, t := range m.tasks {
				if t.ID == m.selectedTask.ID {
					m.selectedTask = t
					m.viewport.SetContent(m.renderDetailContent())
					break
				}
			}
		}

	case taskUpdatedMsg:
		m.setStatus("Goal "+msg.action, false)
		if m.selectedTask != nil && m.selectedTask.ID == msg.task.ID {
			m.selectedTask = msg.task
			m.viewport.SetContent(m.renderDetailContent())
		}
		cmds = append(cmds, m.loadTasks())

	case taskCreatedMsg:
		m.setStatus("Goal proposed: "+truncate(msg.task.Goal, 40), false)
		m.currentView = ViewList
		cmds = append(cmds, m.loadTasks())

	case errMsg:
		m.setStatus("Error: "+msg.err.Error(), true)
		if m.currentView == ViewAdd {
			m.formErr = msg.err.Error()
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.confirmCancel {
		switch msg.String() {
		case "left", "h", "right", "l", "tab":
			m.cancelConfirmFocus = 1 - m.cancelConfirmFocus
		case "y":
			m.confirmCancel = false
			return m, m.cancelGoal(m.cancelTask.ID)
		case "enter":
			m.confirmCancel = false
			if m.cancelConfirmFocus == 0 {
				return m, m.cancelGoal(m.cancelTask.ID)
			}
		case "n", "esc", "q":
			m.confirmCancel = false
		}
		return m, nil
	}

	if m.searchMode {
		switch msg.String() {
		case "esc":
			m.searchMode = false
			m.searchInput.SetValue("")
			m.searchInput.Blur()
			m.updateTable()
			return m, nil
		case "enter":
			m.searchInput.Blur()
			m.searchMode = m.searchInput.Value() != ""
			return m, nil
		}
		if m.searchInput.Focused() {
			m.searchInput, cmd = m.searchInput.Update(msg)
			m.updateTable()
			return m, cmd
		}
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		return m, nil

	case key.Matches(msg, keys.Search):
		m.searchMode = true
		return m, m.searchInput.Focus()

	case key.Matches(msg, keys.Refresh):
		return m, m.loadTasks()

	case key.Matches(msg, keys.New):
		m.currentView = ViewAdd
		m.resetForm()
		return m, m.goalInput.Focus()

	case key.Matches(msg, keys.Enter):
		if task := m.currentTask(); task != nil {
			m.selectedTask = task
			m.currentView = ViewDetail
			m.viewport.SetContent(m.renderDetailContent())
			m.viewport.GotoTop()
		}
		return m, nil

	case key.Matches(msg, keys.Accept):
		if task := m.currentTask(); task != nil {
			return m, m.acceptTask(task.ID)
		}
		return m, nil

	case key.Matches(msg, keys.Pause):
		if task := m.currentTask(); task != nil {
			return m, m.togglePause(task)
		}
		return m, nil

	case key.Matches(msg, keys.Cancel):
		if task := m.currentTask(); task != nil {
			if task.Status.IsTerminal() {
				m.setStatus(fmt.Sprintf("Goal is already %s", task.Status), true)
				return m, nil
			}
			m.confirmCancel = true
			m.cancelTask = task
			m.cancelConfirmFocus = 1
		}
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	task := m.selectedTask

	switch {
	case key.Matches(msg, keys.Back), key.Matches(msg, keys.Quit):
		m.currentView = ViewList
		m.selectedTask = nil
		return m, nil
	case key.Matches(msg, keys.Refresh):
		return m, m.loadTasks()
	case key.Matches(msg, keys.Accept):
		return m, m.acceptTask(task.ID)
	case key.Matches(msg, keys.Pause):
		return m, m.togglePause(task)
	case key.Matches(msg, keys.Cancel):
		if task.Status.IsTerminal() {
			m.setStatus(fmt.Sprintf("Goal is already %s", task.Status), true)
			return m, nil
		}
		m.currentView = ViewList
		m.confirmCancel = true
		m.cancelTask = task
		m.cancelConfirmFocus = 1
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch {
	case key.Matches(msg, keys.Back):
		m.currentView = ViewList
		return m, nil
	case key.Matches(msg, keys.Tab):
		if m.formFocus == 0 {
			m.formFocus = 1
			m.goalInput.Blur()
			return m, m.scopeInput.Focus()
		}
		m.formFocus = 0
		m.scopeInput.Blur()
		return m, m.goalInput.Focus()
	case key.Matches(msg, keys.Save):
		goal := strings.TrimSpace(m.goalInput.Value())
		if goal == "" {
			m.formErr = "Goal is required"
			return m, nil
		}
		m.formErr = ""
		return m, m.createGoal(goal, strings.TrimSpace(m.scopeInput.Value()))
	}

	if m.formFocus == 0 {
		m.goalInput, cmd = m.goalInput.Update(msg)
	} else {
		m.scopeInput, cmd = m.scopeInput.Update(msg)
	}
	return m, cmd
}

func (m *Model) resetForm() {
	m.goalInput.SetValue("")
	m.scopeInput.SetValue("")
	m.scopeInput.Blur()
	m.formFocus = 0
	m.formErr = ""
}

// displayTasks returns the tasks shown in the table after the search filter
func (m *Model) displayTasks() []*db.Task {
	query := strings.ToLower(strings.TrimSpace(m.searchInput.Value()))
	if !m.searchMode || query == "" {
		return m.tasks
	}
	var filtered []*db.Task
	for _, t := range m.tasks {
		if strings.Contains(strings.ToLower(t.Goal), query) || strings.Contains(strings.ToLower(t.Scope), query) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func (m *Model) currentTask() *db.Task {
	tasks := m.displayTasks()
	i := m.table.Cursor()
	if i < 0 || i >= len(tasks) {
		return nil
	}
	return tasks[i]
}

func (m *Model) updateTable() {
	tasks := m.displayTasks()
	if len(tasks) == 0 {
		m.table.SetRows([]table.Row{})
		return
	}

	goalWidth := 30
	if columns := m.table.Columns(); len(columns) > 0 {
		goalWidth = columns[0].Width - 2 // leave room for ellipsis
	}

	rows := make([]table.Row, len(tasks))
	for i, task := range tasks {
		steps := "-"
		if p := task.Progress.Plan; p != nil {
			done := 0
			for _, s := range p.Steps {
				if s.Status.Resolved() {
					done++
				}
			}
			steps = fmt.Sprintf("%d/%d", done, len(p.Steps))
		}

		nextRun := "-"
		if task.NextRunAfter != nil && !task.Status.IsTerminal() {
			nextRun = formatTime(*task.NextRunAfter)
		} else if task.Status == db.StatusAccepted || task.Status == db.StatusInProgress {
			nextRun = "now"
		}

		rows[i] = table.Row{
			truncate(task.Goal, goalWidth),
			string(task.Status),
			fmt.Sprintf("%d", task.Priority),
			fmt.Sprintf("%3.0f%%", task.Progress.CoverageEstimate*100),
			steps,
			nextRun,
		}
	}
	m.table.SetRows(rows)
	if m.table.Cursor() >= len(rows) {
		m.table.SetCursor(len(rows) - 1)
	}
}

func formatTime(t time.Time) string {
	now := time.Now()
	if t.Before(now) {
		return "now"
	}

	diff := t.Sub(now)
	if diff < time.Minute {
		return fmt.Sprintf("in %ds", int(diff.Seconds()))
	}
	if diff < time.Hour {
		return fmt.Sprintf("in %dm", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("in %dh %dm", int(diff.Hours()), int(diff.Minutes())%60)
	}
	return t.Local().Format("Jan 02 15:04")
}

// truncate flattens s to one line of at most max runes
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTimer = 5
}

func (m Model) View() string {
	var content string

	switch m.currentView {
	case ViewList:
		content = m.renderList()
	case ViewDetail:
		content = m.renderDetail()
	case ViewAdd:
		content = m.renderForm()
	}

	baseView := appStyle.Render(content)
	if m.confirmCancel {
		return m.renderCancelModal()
	}
	return baseView
}

// renderCancelModal renders a centered confirmation dialog
func (m Model) renderCancelModal() string {
	activeButtonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Padding(0, 3).
		MarginRight(2).
		Bold(true)

	inactiveButtonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#666666")).
		Padding(0, 3).
		MarginRight(2)

	var yesBtn, noBtn string
	if m.cancelConfirmFocus == 0 {
		yesBtn = activeButtonStyle.Render("Yes")
		noBtn = inactiveButtonStyle.Render("No")
	} else {
		yesBtn = inactiveButtonStyle.Render("Yes")
		noBtn = activeButtonStyle.Render("No")
	}
	buttons := lipgloss.JoinHorizontal(lipgloss.Center, yesBtn, noBtn)

	question := lipgloss.NewStyle().
		Bold(true).
		MarginBottom(1).
		Render(fmt.Sprintf("Cancel goal '%s'?", truncate(m.cancelTask.Goal, 40)))
	hint := subtitleStyle.Render("Progress is kept but the goal will not run again")

	modal := modalStyle.Render(lipgloss.JoinVertical(lipgloss.Center, question, hint, "", buttons))
	if m.width == 0 || m.height == 0 {
		return modal
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal)
}

func (m Model) renderList() string {
	var b strings.Builder

	logo := logoIcon + " " + logoStyle.Render("Claude Goals")
	b.WriteString(logo)
	if m.nextCycle != nil {
		b.WriteString("  ")
		b.WriteString(subtitleStyle.Render("next cycle " + formatTime(*m.nextCycle)))
	}
	b.WriteString("\n\n")

	if m.searchMode {
		searchStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
		b.WriteString(searchStyle.Render("/ " + m.searchInput.View()))
		b.WriteString("\n\n")
	}

	active := 0
	for _, t := range m.tasks {
		if t.Status == db.StatusInProgress {
			active++
		}
	}
	if active > 0 {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(statusRunning.Render(fmt.Sprintf("%d goal(s) in progress", active)))
		b.WriteString("\n\n")
	}

	tasks := m.displayTasks()
	switch {
	case len(m.tasks) == 0:
		b.WriteString(emptyBoxStyle.Render("No goals yet\n\nPress 'n' to propose your first goal"))
	case len(tasks) == 0:
		b.WriteString(emptyBoxStyle.Render("No goals match your search\n\nPress 'esc' to clear"))
	default:
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")

	b.WriteString(m.renderStatus())

	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(keys.FullHelp()))
	} else {
		helpText := m.help.ShortHelpView(keys.ShortHelp())
		helpText += "  " + helpKeyStyle.Render("/") + helpDescStyle.Render(" search")
		b.WriteString(helpText)
	}

	return b.String()
}

func (m Model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.statusErr {
		return errorMsgStyle.Render("✗ "+m.statusMsg) + "\n"
	}
	return successMsgStyle.Render("✓ "+m.statusMsg) + "\n"
}

func (m Model) renderForm() string {
	var b strings.Builder

	b.WriteString(logoIcon + " " + logoStyle.Render("Propose a Goal"))
	b.WriteString("\n\n")

	goalStyle, scopeStyle := focusedInputStyle, blurredInputStyle
	if m.formFocus == 1 {
		goalStyle, scopeStyle = blurredInputStyle, focusedInputStyle
	}

	b.WriteString(inputLabelStyle.Render("Goal"))
	b.WriteString("\n")
	b.WriteString(goalStyle.Render(m.goalInput.View()))
	b.WriteString("\n\n")

	b.WriteString(inputLabelStyle.Render("Scope"))
	b.WriteString("\n")
	b.WriteString(scopeStyle.Render(m.scopeInput.View()))
	b.WriteString("\n\n")

	if m.formErr != "" {
		b.WriteString(errorMsgStyle.Render("✗ " + m.formErr))
		b.WriteString("\n\n")
	}

	helpText := helpKeyStyle.Render("tab") + helpDescStyle.Render(" next field • ") +
		helpKeyStyle.Render("ctrl+s") + helpDescStyle.Render(" save • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" back")
	b.WriteString(helpText)

	return b.String()
}

func (m Model) renderDetail() string {
	var b strings.Builder
	task := m.selectedTask

	b.WriteString(logoIcon)
	b.WriteString(" ")
	b.WriteString(logoStyle.Render(truncate(task.Goal, 70)))
	b.WriteString("  ")
	b.WriteString(statusStyle(task.Status).Render("● " + string(task.Status)))
	b.WriteString("\n")

	meta := fmt.Sprintf("priority %d • iterations %d/%d • expires %s",
		task.Priority, task.IterationsUsed, task.MaxIterations, task.ExpiresAt.Local().Format("Jan 02 15:04"))
	b.WriteString(subtitleStyle.Render(meta))
	b.WriteString("\n")
	b.WriteString(m.coverageBar.ViewAs(task.Progress.CoverageEstimate))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	helpText := helpKeyStyle.Render("↑/↓") + helpDescStyle.Render(" scroll • ") +
		helpKeyStyle.Render("a") + helpDescStyle.Render(" accept • ") +
		helpKeyStyle.Render("p") + helpDescStyle.Render(" pause/resume • ") +
		helpKeyStyle.Render("x") + helpDescStyle.Render(" cancel • ") +
		helpKeyStyle.Render("r") + helpDescStyle.Render(" refresh • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" back")
	b.WriteString(helpText)

	return b.String()
}

func (m Model) renderDetailContent() string {
	doc := detailMarkdown(m.selectedTask)
	if m.mdRenderer != nil {
		if rendered, err := m.mdRenderer.Render(doc); err == nil {
			return rendered
		}
	}
	return doc
}

// detailMarkdown describes a task as a markdown document
func detailMarkdown(task *db.Task) string {
	var b strings.Builder

	b.WriteString("## Goal\n\n")
	b.WriteString(task.Goal)
	b.WriteString("\n\n")

	if task.Scope != "" {
		b.WriteString("## Scope\n\n")
		b.WriteString(task.Scope)
		b.WriteString("\n\n")
	}

	if p := task.Progress.Plan; p != nil {
		fmt.Fprintf(&b, "## Plan (version %d, confidence %.2f, %s)\n\n", p.Version, p.DecompositionConfidence, p.CostClass)
		for _, s := range p.Steps {
			fmt.Fprintf(&b, "- %s **%s** %s", stepMarker(s.Status), s.ID, s.Description)
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(&b, " _(after %s)_", strings.Join(s.DependsOn, ", "))
			}
			b.WriteString("\n")
			switch s.Status {
			case plan.StepCompleted:
				if s.ResultSummary != "" {
					fmt.Fprintf(&b, "  - %s\n", s.ResultSummary)
				}
			case plan.StepFailed:
				fmt.Fprintf(&b, "  - failed: %s\n", s.FailureReason)
			case plan.StepSkipped:
				fmt.Fprintf(&b, "  - skipped: %s\n", s.SkipReason)
			}
		}
		if p.BlockedReason != "" {
			fmt.Fprintf(&b, "\n> %s\n", p.BlockedReason)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("_Not decomposed yet._\n\n")
	}

	if task.Progress.LastSummary != "" {
		b.WriteString("## Latest\n\n")
		b.WriteString(task.Progress.LastSummary)
		b.WriteString("\n\n")
	}

	if task.Result != "" {
		b.WriteString("## Result\n\n")
		b.WriteString(task.Result)
		b.WriteString("\n")
	}

	return b.String()
}

// Run starts the TUI application
func Run(lc *lifecycle.Manager, sched *scheduler.Scheduler, accountID string) error {
	m := NewModel(lc, sched, accountID)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
