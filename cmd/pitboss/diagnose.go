package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/diagnose"
)

func newDiagnoseCmd(g *rootOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnose <run_id>",
		Short: "Explain why a run stopped and what to do next",
		Long:  "Diagnose re-reads the stored record (state, timeline, receipts) and renders\nthe rule matches with their evidence and runnable next actions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(cmd.OutOrStdout(), g, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	return cmd
}

func runDiagnose(w io.Writer, g *rootOpts, runID string, asJSON bool) error {
	st, err := openRun(g, runID)
	if err != nil {
		return err
	}
	run, err := st.ReadState()
	if err != nil {
		return err
	}
	events, err := st.ReadEvents()
	if err != nil {
		return err
	}
	receipts, err := st.ReadReceipts()
	if err != nil {
		return err
	}

	rep := diagnose.Diagnose(run, events, receipts)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprint(w, diagnose.RenderMarkdown(rep))
	return nil
}
