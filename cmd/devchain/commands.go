package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devchain/internal/config"
	devhttp "github.com/fyrsmithlabs/devchain/internal/http"
	"github.com/fyrsmithlabs/devchain/internal/jobs"
	"github.com/fyrsmithlabs/devchain/internal/secrets"
)

func (c *cli) submitCmd() *cobra.Command {
	var (
		name     string
		maxTurns int
		model    string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Submit a software task",
		Long: `Submit a natural-language software task to devchaind.

Examples:
  # Queue a task and print its job id
  devchain submit "Build a command line calculator" --name calc

  # Queue a task and follow it until it finishes
  devchain submit "Build a todo list app" --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := devhttp.SubmitRequest{Task: args[0], Name: name}
			if maxTurns > 0 || model != "" {
				req.Overrides = &devhttp.Overrides{MaxTurns: maxTurns, Model: model}
			}
			resp, err := c.client().Submit(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			if !follow {
				if c.jsonOut {
					return c.printJSON(resp)
				}
				fmt.Fprintf(c.out, "%s %s\n", labelStyle.Render("job:"), valueStyle.Render(resp.JobID))
				return nil
			}

			job, err := runDashboard(c.client(), resp.JobID, 2*time.Second)
			if err != nil {
				return err
			}
			return c.reportFollowed(job)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "cap on turns per phase")
	cmd.Flags().StringVar(&model, "model", "", "chat model for this job (default: server's llm.model)")
	cmd.Flags().BoolVar(&follow, "follow", false, "watch the job until it finishes")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client().Job(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return c.printJob(job)
		},
	}
}

func (c *cli) resultCmd() *cobra.Command {
	var filesOnly bool
	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show the artifacts and files of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client().Result(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("result failed: %w", err)
			}
			if c.jsonOut {
				return c.printJSON(res)
			}
			c.printResult(res, filesOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&filesOnly, "files", false, "print only the generated files")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job, or purge a finished one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if purge {
				if err := c.client().Purge(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("purge failed: %w", err)
				}
				fmt.Fprintf(c.out, "%s %s\n", okStyle.Render("purged"), args[0])
				return nil
			}
			job, err := c.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			return c.printJob(job)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "remove a finished job from the server")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := jobs.Status(status)
			if s != "" && !s.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			list, err := c.client().List(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("list failed: %w", err)
			}
			if c.jsonOut {
				return c.printJSON(list)
			}
			c.printList(list)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, succeeded, failed, cancelled)")
	return cmd
}

// scrubCmd redacts secrets locally with the same rules devchaind applies to
// job results.
func (c *cli) scrubCmd() *cobra.Command {
	var allowlist string
	cmd := &cobra.Command{
		Use:   "scrub [file]",
		Short: "Redact secrets from a file or stdin",
		Long: `Redact secrets from a file or stdin. The redacted text goes to stdout
and a summary of findings to stderr.

Examples:
  # Scrub a file
  devchain scrub .env

  # Scrub from stdin
  cat output.log | devchain scrub -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				content, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", args[0], err)
				}
			}
			if len(content) == 0 {
				return fmt.Errorf("no content to scrub")
			}

			r, err := secrets.New(config.SecretsConfig{Enabled: true, AllowlistPath: allowlist}, nil)
			if err != nil {
				return err
			}
			out, report := r.Scan(string(content))
			if c.jsonOut {
				return c.printJSON(struct {
					Content string         `json:"content"`
					Report  secrets.Report `json:"report"`
				}{out, report})
			}
			fmt.Fprint(c.out, out)
			for _, f := range report.Findings {
				fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s\n", f.Line, f.RuleID)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d secret(s) redacted\n", len(report.Findings))
			return nil
		},
	}
	cmd.Flags().StringVar(&allowlist, "allowlist", "", "gitleaks-style TOML allowlist")
	return cmd
}
