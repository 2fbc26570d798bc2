package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/die-net/bindproxy/internal/registry"
	"github.com/die-net/bindproxy/internal/upstream"
)

func newListCommand(globals *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the persisted bindings without starting any listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(globals)
			if err != nil {
				return err
			}
			entries, err := registry.NewStore(cfg.StateFile).Load()
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
}

// printEntries writes one row per entry with the password masked.
func printEntries(w io.Writer, entries []registry.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no bindings")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUPSTREAM\tPROXY URL")
	for _, e := range entries {
		cred, err := upstream.ParseCredential(e.Proxy)
		if err != nil {
			fmt.Fprintf(tw, "%s\t(invalid)\t-\n", e.Key)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\thttp://%s:%s\n", e.Key, cred.Redacted(), registry.ListenHost, e.Key)
	}
	return tw.Flush()
}
