package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/nidhogg/agency/internal/app"
	"github.com/nidhogg/agency/internal/provider"
	"github.com/spf13/cobra"
)

var (
	completeHint   string
	completeSystem string

	backendsCmd = &cobra.Command{
		Use:   "backends",
		Short: "Show which completion backends are configured and reachable",
		Args:  cobra.NoArgs,
		RunE:  showBackends,
	}
	completeCmd = &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Send a single prompt through the completion gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runComplete,
	}
)

func showBackends(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	printBackends(cmd.OutOrStdout(), a.Gateway.Status(cmd.Context()))
	return nil
}

func printBackends(w io.Writer, statuses []provider.BackendStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tCONFIGURED\tREACHABLE\tMODEL\tERROR")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Kind, yesNo(s.Configured), yesNo(s.Reachable), s.Model, s.Error)
	}
	tw.Flush()
}

func runComplete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	req := provider.NewRequest(strings.Join(args, " "), completeSystem)
	resp, err := a.Gateway.Complete(cmd.Context(), req, completeHint)
	if err != nil {
		printCompletionError(cmd.ErrOrStderr(), err)
		return errors.New("completion failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
	if resp.Fallback {
		fmt.Fprintf(cmd.ErrOrStderr(), "(served by fallback %s/%s)\n", resp.Backend, resp.Model)
	}
	return nil
}

// printCompletionError lists remediation steps when the gateway gives them.
func printCompletionError(w io.Writer, err error) {
	var cerr *provider.CompletionError
	if !errors.As(err, &cerr) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Error: %s backend failed for model %s after %d attempt(s): %v\n",
		cerr.Backend, cerr.Model, cerr.Attempts, cerr.Cause)
	if len(cerr.Remediation) > 0 {
		fmt.Fprintln(w, "Try:")
		for _, step := range cerr.Remediation {
			fmt.Fprintf(w, "  - %s\n", step)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
