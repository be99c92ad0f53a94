package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/nidhogg/agency/internal/agent"
	"github.com/nidhogg/agency/internal/app"
	"github.com/nidhogg/agency/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	assumeYes bool
	jsonOut   bool

	runCmd = &cobra.Command{
		Use:   "run [request]",
		Short: "Run the full pipeline for a request in this process",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPipeline,
	}
)

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	var confirm orchestrator.Confirmer = agent.NewPromptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
	if assumeYes {
		confirm = agent.StaticConfirmer(true)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.WithConfirmer(confirm))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	request := strings.Join(args, " ")
	res := a.Orchestrator.Run(ctx, request)

	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if res.Status == orchestrator.RunFailed {
		return fmt.Errorf("run failed: %s", res.Reason)
	}
	return nil
}

// printResult writes a human-readable report of a finished run.
func printResult(w io.Writer, res *orchestrator.RunResult) {
	fmt.Fprintf(w, "Run %s (%s)\n", res.RunID, res.ProjectID)
	fmt.Fprintf(w, "Workspace: %s\n\n", res.WorkDir)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDETAIL")
	for _, s := range res.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Stage, s.Result.Status, oneLine(s.Result.Detail, 80))
	}
	tw.Flush()

	if len(res.Tests) > 0 {
		passed, failed, skipped := res.Tests.Counts()
		fmt.Fprintf(w, "\nTests: %d passed, %d failed, %d skipped\n", passed, failed, skipped)
	}
	status := string(res.Status)
	if res.Reason != orchestrator.ReasonNone {
		status += " (" + string(res.Reason) + ")"
	}
	fmt.Fprintf(w, "\nStatus: %s\n", status)
	if res.Summary != "" {
		fmt.Fprintf(w, "%s\n", res.Summary)
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
