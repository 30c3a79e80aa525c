package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	devhttp "github.com/fyrsmithlabs/devchain/internal/http"
	"github.com/fyrsmithlabs/devchain/internal/jobs"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentJobs      = 8
	fetchTimeout    = 5 * time.Second
)

// Model is the bubbletea dashboard. With a job id it follows that job and
// quits once it finishes; without one it shows the whole server.
type Model struct {
	client     *Client
	jobID      string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool
	done       bool

	// Running job count over time
	runningHistory []float64

	phaseProgress progress.Model
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Status devhttp.StatusResponse
	Jobs   []jobs.Job
	Job    *jobs.Job
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling client every interval. jobID may be
// empty.
func NewModel(client *Client, jobID string, interval time.Duration) Model {
	return Model{
		client:         client,
		jobID:          jobID,
		interval:       interval,
		runningHistory: make([]float64, 0, historySize),
		phaseProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Job returns the followed job as last seen.
func (m Model) Job() *jobs.Job {
	return m.snapshot.Job
}

// Done reports whether the followed job reached a terminal status.
func (m Model) Done() bool {
	return m.done
}

// Err returns the last polling error.
func (m Model) Err() error {
	return m.err
}

// StatusBadge renders a job status with its color.
func StatusBadge(s jobs.Status) string {
	switch s {
	case jobs.StatusSucceeded:
		return healthyStyle.Render("✓ " + string(s))
	case jobs.StatusFailed:
		return errorStyle.Render("✗ " + string(s))
	case jobs.StatusCancelled:
		return warningStyle.Render("⊘ " + string(s))
	case jobs.StatusRunning:
		return valueStyle.Render("▶ " + string(s))
	default:
		return dimStyle.Render("… " + string(s))
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client, m.jobID),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls the server once.
func fetchSnapshot(client *Client, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		var snap Snapshot
		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		snap.Status = status

		if jobID != "" {
			job, err := client.Job(ctx, jobID)
			if err != nil {
				return errMsg(err)
			}
			snap.Job = &job
			return snapshotMsg(snap)
		}

		list, err := client.List(ctx, "")
		if err != nil {
			return errMsg(err)
		}
		if len(list.Jobs) > recentJobs {
			list.Jobs = list.Jobs[len(list.Jobs)-recentJobs:]
		}
		snap.Jobs = list.Jobs
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client, m.jobID)
		}

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client, m.jobID),
		)

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.runningHistory = appendToHistory(m.runningHistory, float64(m.snapshot.Status.Counts[jobs.StatusRunning]))
		m.lastUpdate = time.Now()
		m.err = nil
		if m.snapshot.Job != nil && m.snapshot.Job.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = error(msg)
		// A followed job that vanished will never finish.
		if m.jobID != "" && IsNotFound(m.err) {
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if m.jobID != "" {
		return m.renderJob()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" devchain ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach devchaind") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.client.baseURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) header() string {
	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	version := m.snapshot.Status.Version
	if version == "" {
		version = "dev"
	}
	return headerStyle.Render(" devchain ") + "   " +
		dimStyle.Render("Server:") + " " + valueStyle.Render(version) + "   " +
		dimStyle.Render(lastUpdateStr) + "\n"
}

func (m Model) footer() string {
	return "\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// renderJob renders a single followed job.
func (m Model) renderJob() string {
	content := m.header()

	job := m.snapshot.Job
	if job == nil {
		content += "\n" + dimStyle.Render("waiting for "+m.jobID) + "\n"
		return containerStyle.Render(content + m.footer())
	}

	content += "\n" + sectionStyle.Render("┃ Job "+ShortID(job.ID)) + "\n"
	content += labelStyle.Render("  Name: ") + valueStyle.Render(job.Name) + "\n"
	content += labelStyle.Render("  Status: ") + StatusBadge(job.Status) + "\n"
	content += labelStyle.Render("  Elapsed: ") + valueStyle.Render(FormatDuration(Elapsed(*job, time.Now()))) + "\n"

	content += "\n" + sectionStyle.Render("┃ Phases") + "\n"
	ratio := PhaseRatio(*job)
	content += labelStyle.Render("  Current: ") + valueStyle.Render(FormatPhase(*job)) + "\n"
	content += labelStyle.Render("  Progress: ") +
		m.phaseProgress.ViewAs(ratio) +
		" " + dimStyle.Render(fmt.Sprintf("%.0f%%", ratio*100)) + "\n"
	for _, name := range job.Completed {
		content += "    " + healthyStyle.Render("✓") + " " + dimStyle.Render(name) + "\n"
	}

	if job.Error != nil {
		content += "\n" + sectionStyle.Render("┃ Error") + "\n"
		content += labelStyle.Render("  Kind: ") + errorStyle.Render(job.Error.Kind) + "\n"
		if job.Error.Phase != "" {
			content += labelStyle.Render("  Phase: ") + valueStyle.Render(fmt.Sprintf("%s (turn %d)", job.Error.Phase, job.Error.Turn)) + "\n"
		}
		content += labelStyle.Render("  Cause: ") + valueStyle.Render(job.Error.Cause) + "\n"
	}

	return containerStyle.Render(content + m.footer())
}

// renderDashboard renders the server overview.
func (m Model) renderDashboard() string {
	content := m.header()

	counts := m.snapshot.Status.Counts
	content += "\n" + sectionStyle.Render("┃ Jobs") + "\n"
	content += labelStyle.Render("  Running: ") +
		valueStyle.Render(fmt.Sprintf("%d", counts[jobs.StatusRunning])) +
		"   " + createSparkline(m.runningHistory) + "\n"
	content += labelStyle.Render("  Pending: ") + valueStyle.Render(fmt.Sprintf("%d", counts[jobs.StatusPending])) +
		labelStyle.Render("  Succeeded: ") + valueStyle.Render(fmt.Sprintf("%d", counts[jobs.StatusSucceeded])) +
		labelStyle.Render("  Failed: ") + valueStyle.Render(fmt.Sprintf("%d", counts[jobs.StatusFailed])) +
		labelStyle.Render("  Cancelled: ") + valueStyle.Render(fmt.Sprintf("%d", counts[jobs.StatusCancelled])) + "\n"

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		finished := float64(counts[jobs.StatusSucceeded]+counts[jobs.StatusFailed]+counts[jobs.StatusCancelled]) / float64(total)
		content += labelStyle.Render("  Finished: ") +
			m.phaseProgress.ViewAs(finished) +
			" " + dimStyle.Render(FormatPercentage(finished)) + "\n"
	}

	content += "\n" + sectionStyle.Render("┃ Recent") + "\n"
	if len(m.snapshot.Jobs) == 0 {
		content += dimStyle.Render("  no jobs yet") + "\n"
	}
	now := time.Now()
	for i := len(m.snapshot.Jobs) - 1; i >= 0; i-- {
		job := m.snapshot.Jobs[i]
		content += fmt.Sprintf("  %s  %-16s %s  %s  %s\n",
			dimStyle.Render(ShortID(job.ID)),
			job.Name,
			StatusBadge(job.Status),
			valueStyle.Render(FormatPhase(job)),
			dimStyle.Render(FormatDuration(Elapsed(job, now))))
	}

	return containerStyle.Render(content + m.footer())
}
