package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd(ctx context.Context, stdout io.Writer, deps relayDeps) *cobra.Command {
	var databaseURL string

	resolveURL := func() (string, error) {
		url := strings.TrimSpace(databaseURL)
		if url == "" {
			url = strings.TrimSpace(os.Getenv("VAI_RELAY_DATABASE_URL"))
		}
		if url == "" {
			return "", errors.New("database url is required (--database-url or VAI_RELAY_DATABASE_URL)")
		}
		return url, nil
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the call ledger schema",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (default: $VAI_RELAY_DATABASE_URL)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := resolveURL()
			if err != nil {
				return err
			}
			if deps.migrateUp == nil {
				return errors.New("missing migrateUp dependency")
			}
			applied, err := deps.migrateUp(ctx, url)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(stdout, "no pending migrations")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(stdout, "applied %05d\n", v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := resolveURL()
			if err != nil {
				return err
			}
			if deps.migrationStatus == nil {
				return errors.New("missing migrationStatus dependency")
			}
			states, err := deps.migrationStatus(ctx, url)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
			for _, st := range states {
				state, at := "pending", "-"
				if st.Applied {
					state = "applied"
					at = st.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%05d\t%s\t%s\t%s\n", st.Version, state, at, st.Path)
			}
			return tw.Flush()
		},
	})
	return cmd
}
