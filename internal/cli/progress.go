package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/flowhub/internal/client"
	"github.com/raphaelgruber/flowhub/internal/models"
)

const pollInterval = 500 * time.Millisecond

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

type tickMsg time.Time

type taskUpdateMsg struct {
	task *models.Task
	err  error
}

// progressModel is the bubbletea model for task progress.
type progressModel struct {
	client   *client.Client
	taskID   string
	task     *models.Task
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, t *models.Task) progressModel {
	return progressModel{
		client:   c,
		taskID:   t.ID,
		task:     t,
		progress: progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
		theme:    defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.progress.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchTask()

	case taskUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch task status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		m.task = msg.task

		switch m.task.Status {
		case models.StatusCompleted:
			m.done = true
			return m, tea.Quit
		case models.StatusFailed, models.StatusCancelled:
			m.done = true
			m.err = taskError(m.task)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.task == nil {
		return "Loading task status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.task.Status))
	bar := m.progress.ViewAs(float64(m.task.Progress) / 100)
	detail := fmt.Sprintf("%3d%%", m.task.Progress)
	if m.task.FileName != nil {
		detail += " " + *m.task.FileName
	}

	var lastLog string
	if n := len(m.task.Logs); n > 0 {
		lastLog = "\n" + m.theme.hintStyle().Render(truncate(m.task.Logs[n-1].Message, 70))
	}
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")
	return fmt.Sprintf("%s %s %s%s\n%s\n", status, bar, detail, lastLog, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nTask %s continues in background.\nUse 'flowhub tasks %s' to check status.\n",
			m.taskID, m.taskID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Task %s: %s\n", strings.ToLower(string(m.task.Status)), m.err))
	}
	return m.theme.completedStyle().Render("✓ Completed") + "\n"
}

// fetchTask runs in a command so Update never blocks.
func (m progressModel) fetchTask() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t, err := m.client.GetTask(ctx, m.taskID)
		return taskUpdateMsg{task: t, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func taskError(t *models.Task) error {
	if msg := t.ErrorString(); msg != "" {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("task ended %s", t.Status)
}

// RunTaskProgress shows a progress bar until the task is terminal.
// Returns nil on success or Ctrl+C (background), error on failure.
func RunTaskProgress(c *client.Client, t *models.Task) error {
	p := tea.NewProgram(newProgressModel(c, t))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}

// followTask waits for a task, with a progress bar on a terminal and a
// line per update otherwise.
func followTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := apiClient.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if interactive() && !jsonOut {
		if err := RunTaskProgress(apiClient, t); err != nil {
			return nil, err
		}
		return apiClient.GetTask(ctx, id)
	}

	last := -1
	_, err = apiClient.WatchTask(ctx, id, func(ev models.TaskEventData) {
		if jsonOut || ev.Progress == last {
			return
		}
		last = ev.Progress
		fmt.Printf("%s %3d%% %s\n", shortID(ev.TaskID), ev.Progress, ev.Status)
	})
	if err != nil {
		return nil, err
	}
	t, err = apiClient.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusCompleted {
		return t, taskError(t)
	}
	return t, nil
}
