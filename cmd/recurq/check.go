package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"recurq/internal/app"
	"recurq/internal/eventlog"
)

func newCheckCmd(cfgFn func() string) *cobra.Command {
	var at string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the schedules it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}

			res, err := app.Check(cmd.Context(), cfgFn(), now)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printCheck(out, res)
			if n := countErrors(res.Events); n > 0 {
				return fmt.Errorf("%d schedule error(s)", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 instant (default now)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func printCheck(w io.Writer, res app.CheckResult) {
	headers := []string{"NAME", "TASK", "NEXT_RUN"}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, e := range res.Summary.Entries {
		fmt.Fprintln(tw, strings.Join([]string{
			e.DisplayName, e.Identity.String(), e.NextRun.Format(time.RFC3339),
		}, "\t"))
	}
	tw.Flush()

	for _, ev := range res.Events {
		fmt.Fprintf(w, "%s: %s\n", strings.ToUpper(ev.Severity.String()), ev.Message)
	}
	s := res.Summary
	fmt.Fprintf(w, "\nfound %d, scheduled %d, unregistered %d, duplicates %d, without next run %d\n",
		s.Found, s.Scheduled, s.Unregistered, s.Duplicates, s.Empty)
}

func countErrors(events []eventlog.Entry) int {
	n := 0
	for _, e := range events {
		if e.Severity == eventlog.Error {
			n++
		}
	}
	return n
}
