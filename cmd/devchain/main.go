// Package main implements the devchain CLI for submitting and following
// jobs on a devchaind server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devchain/internal/monitor"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every command.
type cli struct {
	serverURL string
	jsonOut   bool
	out       io.Writer
}

func (c *cli) client() *monitor.Client {
	return monitor.NewClient(c.serverURL)
}

// printJSON writes v indented. Used for --json and for unstyled payloads.
func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "devchain",
		Short: "CLI for devchaind job operations",
		Long: `devchain is a command-line interface for the devchaind HTTP server.
It submits software tasks, follows their phases and fetches the generated
project.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)

	serverDefault := os.Getenv("DEVCHAIN_SERVER")
	if serverDefault == "" {
		serverDefault = "http://127.0.0.1:9191"
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", serverDefault, "devchaind server URL")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		c.submitCmd(),
		c.statusCmd(),
		c.resultCmd(),
		c.cancelCmd(),
		c.listCmd(),
		c.healthCmd(),
		c.watchCmd(),
		c.scrubCmd(),
	)
	return root
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check devchaind server health",
		Long: `Check the health status of the devchaind HTTP server.

Examples:
  # Check health
  devchain health

  # Check health on a different server
  devchain health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := c.client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if c.jsonOut {
				return c.printJSON(health)
			}
			fmt.Fprintf(c.out, "%s %s\n", okStyle.Render("✓ "+health.Status), dimStyle.Render(health.Version))
			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Live dashboard of the server or of one job",
		Long: `Open a terminal dashboard. With a job id it follows that job phase by
phase and exits when the job finishes, with a non-zero status unless it
succeeded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}
			job, err := runDashboard(c.client(), jobID, interval)
			if err != nil {
				return err
			}
			return c.reportFollowed(job)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
