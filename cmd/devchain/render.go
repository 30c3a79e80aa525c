package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	devhttp "github.com/fyrsmithlabs/devchain/internal/http"
	"github.com/fyrsmithlabs/devchain/internal/jobs"
	"github.com/fyrsmithlabs/devchain/internal/monitor"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	fileStyle  = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("238")).
			PaddingLeft(1)
)

// errJobFailed is returned after a followed job ends in any state other
// than succeeded, so scripts see a non-zero exit.
var errJobFailed = errors.New("job did not succeed")

func jobOutcome(job jobs.Job) error {
	if job.Status == jobs.StatusSucceeded {
		return nil
	}
	return fmt.Errorf("%w: %s", errJobFailed, job.Status)
}

// reportFollowed prints a followed job. Leaving the dashboard before the job
// finishes is not an error.
func (c *cli) reportFollowed(job *jobs.Job) error {
	if job == nil {
		return nil
	}
	if err := c.printJob(*job); err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return nil
	}
	return jobOutcome(*job)
}

func (c *cli) printJob(job jobs.Job) error {
	if c.jsonOut {
		return c.printJSON(job)
	}
	row := func(label, value string) {
		fmt.Fprintf(c.out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
	}
	row("id", valueStyle.Render(job.ID))
	row("name", valueStyle.Render(job.Name))
	row("status", monitor.StatusBadge(job.Status))
	if job.Phase != "" {
		row("phase", valueStyle.Render(monitor.FormatPhase(job)))
	}
	if len(job.Completed) > 0 {
		row("completed", dimStyle.Render(fmt.Sprint(job.Completed)))
	}
	if job.StartedAt != nil {
		row("elapsed", valueStyle.Render(monitor.FormatDuration(monitor.Elapsed(job, time.Now()))))
	}
	if job.Error != nil {
		row("error", errStyle.Render(job.Error.Kind)+" "+job.Error.Cause)
	}
	return nil
}

func (c *cli) printResult(res devhttp.ResultResponse, filesOnly bool) {
	fmt.Fprintf(c.out, "%s %s\n", titleStyle.Render(res.JobID), monitor.StatusBadge(res.Status))
	if res.Error != nil {
		fmt.Fprintf(c.out, "%s %s\n", errStyle.Render(res.Error.Kind), res.Error.Cause)
	}
	if res.Result == nil {
		return
	}
	if !filesOnly {
		for _, a := range res.Result.Artifacts {
			fmt.Fprintf(c.out, "\n%s %s\n%s\n", titleStyle.Render("┃ "+a.Name), dimStyle.Render("("+a.Phase+")"), a.Content)
		}
	}
	names := make([]string, 0, len(res.Result.Files))
	for name := range res.Result.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "\n%s\n%s\n", titleStyle.Render("┃ "+name), fileStyle.Render(res.Result.Files[name]))
	}
	if res.Result.Workspace != "" {
		fmt.Fprintf(c.out, "\n%s %s\n", labelStyle.Render("workspace:"), res.Result.Workspace)
	}
	if res.Result.Commit != "" {
		fmt.Fprintf(c.out, "%s %s\n", labelStyle.Render("commit:"), res.Result.Commit)
	}
}

func (c *cli) printList(list devhttp.ListResponse) {
	if list.Total == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("no jobs"))
		return
	}
	now := time.Now()
	for _, job := range list.Jobs {
		fmt.Fprintf(c.out, "%s  %-16s %s  %s  %s\n",
			dimStyle.Render(monitor.ShortID(job.ID)),
			job.Name,
			monitor.StatusBadge(job.Status),
			monitor.FormatPhase(job),
			dimStyle.Render(monitor.FormatDuration(monitor.Elapsed(job, now))))
	}
	fmt.Fprintf(c.out, "%s %d\n", labelStyle.Render("total:"), list.Total)
}

// runDashboard runs the bubbletea dashboard and returns the followed job as
// last seen, or nil when there is none.
func runDashboard(client *monitor.Client, jobID string, interval time.Duration) (*jobs.Job, error) {
	model := monitor.NewModel(client, jobID, interval)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, fmt.Errorf("dashboard failed: %w", err)
	}
	m, ok := final.(monitor.Model)
	if !ok || jobID == "" {
		return nil, nil
	}
	if m.Err() != nil && !m.Done() {
		return nil, m.Err()
	}
	return m.Job(), nil
}
