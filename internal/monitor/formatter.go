package monitor

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/devchain/internal/jobs"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats d as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// Elapsed is how long a job has run, or ran. Pending jobs report zero.
func Elapsed(job jobs.Job, now time.Time) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	end := now
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	return end.Sub(*job.StartedAt)
}

// PhaseRatio is the share of phases a job has completed, in [0, 1].
// Succeeded jobs are always complete.
func PhaseRatio(job jobs.Job) float64 {
	if job.Status == jobs.StatusSucceeded {
		return 1
	}
	if job.PhaseTotal <= 0 {
		return 0
	}
	r := float64(len(job.Completed)) / float64(job.PhaseTotal)
	if r > 1 {
		r = 1
	}
	return r
}

// FormatPhase renders "name (i/n)" for a running job.
func FormatPhase(job jobs.Job) string {
	if job.Phase == "" || job.PhaseTotal == 0 {
		return "-"
	}
	return fmt.Sprintf("%s (%d/%d)", job.Phase, job.PhaseIndex, job.PhaseTotal)
}

// ShortID trims a job id for table display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
