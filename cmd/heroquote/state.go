package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oriys/heroquote/internal/state"
	"github.com/spf13/cobra"
)

// withState runs fn against a state manager built from config.
func withState(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func statsCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persisted statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(func(ctx context.Context, a *app) error {
				stats := a.state.GetStatistics(ctx)
				if jsonOut {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(stats)
				}
				printStats(os.Stdout, stats)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printStats(out io.Writer, s state.Statistics) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Schema version:\t%d\n", s.SchemaVersion)
	fmt.Fprintf(w, "Last mention:\t%s\n", orDash(s.LastMentionID))
	fmt.Fprintf(w, "Processed:\t%d\n", s.ProcessedCount)
	fmt.Fprintf(w, "Replies:\t%d (%d tracked)\n", s.TotalReplies, s.TrackedReplies)
	fmt.Fprintf(w, "Errors:\t%d (%d ignored this process)\n", s.ErrorCount, s.IgnoredErrors)
	fmt.Fprintf(w, "Runs:\t%d\n", s.TotalRuns)
	fmt.Fprintf(w, "Success rate:\t%.1f%%\n", s.SuccessRate)
	fmt.Fprintf(w, "Avg duration:\t%s\n", time.Duration(s.AvgRunDuration)*time.Millisecond)
	if s.LastRunTime != nil {
		fmt.Fprintf(w, "Last run:\t%s (%dms)\n", s.LastRunTime.Format(time.RFC3339), s.LastRunDuration)
	}
	fmt.Fprintf(w, "Backends:\tprimary=%s durable=%t file=%t fallback=%t\n",
		s.Backends.Primary, s.Backends.DurableEnabled, s.Backends.FileEnabled, s.Backends.FallbackEnabled)
	w.Flush()

	if len(s.RepliesByHero) > 0 {
		fmt.Fprintln(out, "\nReplies by hero:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for hero, n := range s.RepliesByHero {
			fmt.Fprintf(w, "  %s\t%d\n", hero, n)
		}
		w.Flush()
	}
	if s.LastError != nil {
		fmt.Fprintf(out, "\nLast error (%s): %s\n", s.LastError.Timestamp.Format(time.RFC3339), s.LastError.Message)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func resetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Back up the state file and reset every backend to defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset discards the cursor and reply history; pass --yes to confirm")
			}
			return withState(func(ctx context.Context, a *app) error {
				if !a.state.ResetState(ctx) {
					return errors.New("reset failed on every backend")
				}
				fmt.Println("State reset")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Copy the file state document into the durable backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(func(ctx context.Context, a *app) error {
				if !a.state.Sync(ctx) {
					return errors.New("sync failed; both backends must be enabled and the file readable")
				}
				fmt.Println("State synced")
				return nil
			})
		},
	}
}

func cursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move the mention cursor",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the last processed mention id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(func(ctx context.Context, a *app) error {
				id, ok := a.state.LoadLastMentionID(ctx)
				if !ok || id == "" {
					fmt.Println("-")
					return nil
				}
				fmt.Println(id)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <mention-id>",
		Short: "Move the cursor forward to mention-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withState(func(ctx context.Context, a *app) error {
				if !a.state.SaveLastMentionID(ctx, id) {
					return fmt.Errorf("could not save cursor %q", id)
				}
				current, _ := a.state.LoadLastMentionID(ctx)
				fmt.Println(current)
				return nil
			})
		},
	})

	return cmd
}
