package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyedit/docsync/internal/config"
	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/replica"
)

func inspectCmd(configPath *string) *cobra.Command {
	var (
		store   string
		timeout time.Duration
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <document>",
		Short: "Print a stored document",
		Long: `Load a document from the configured store and print its text
together with the size of its update log and state vector.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Driver = store
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runInspect(ctx, cmd, cfg, args[0], quiet)
		},
	}

	cmd.Flags().StringVar(&store, "store", "", "Store driver override")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time limit for loading")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the document text")

	return cmd
}

func runInspect(ctx context.Context, cmd *cobra.Command, cfg *config.Config, id string, quiet bool) error {
	s, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s store: %w", cfg.Store.Driver, err)
	}
	defer s.Close(context.Background())

	doc, records, err := persistence.LoadDocument(ctx, s, id, replica.WithGC(cfg.GC))
	if err != nil {
		return err
	}
	defer doc.Destroy()

	out := cmd.OutOrStdout()
	if quiet {
		fmt.Fprintln(out, doc.String())
		return nil
	}
	fmt.Fprintf(out, "Document:     %s\n", id)
	fmt.Fprintf(out, "Records:      %d\n", len(records))
	fmt.Fprintf(out, "Characters:   %d\n", doc.Len())
	fmt.Fprintf(out, "Clients:      %d\n", len(doc.StateVector()))
	fmt.Fprintf(out, "State vector: %d bytes\n", len(doc.EncodeStateVector()))
	fmt.Fprintf(out, "Pending:      %d\n", doc.PendingCount())
	fmt.Fprintln(out)
	fmt.Fprintln(out, doc.String())
	return nil
}
