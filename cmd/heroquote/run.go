package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/heroquote/internal/cache"
	"github.com/oriys/heroquote/internal/config"
	"github.com/oriys/heroquote/internal/twitter"
	"github.com/spf13/cobra"
)

func newTwitterClient(cfg *config.Config) *twitter.Client {
	return twitter.New(twitter.Config{
		BaseURL:     cfg.Twitter.BaseURL,
		BearerToken: cfg.Twitter.BearerToken,
		UserID:      cfg.Bot.UserID,
		Timeout:     cfg.Twitter.Timeout.Std(),
		MaxResults:  cfg.Twitter.MaxResults,
	}, cache.NewInMemoryCache())
}

func runCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of mentions and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.proc.Run(ctx)
			if res != nil {
				if jsonOut {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(res); encErr != nil {
						return encErr
					}
				} else {
					s := res.Stats
					fmt.Printf("Execution:  %s\n", res.ExecutionID)
					fmt.Printf("Mentions:   %d found, %d processed\n", s.MentionsFound, s.MentionsIterated)
					fmt.Printf("Replies:    %d\n", s.RepliesSent)
					fmt.Printf("Skipped:    %d\n", s.Skipped)
					fmt.Printf("Errors:     %d (%d ignored, %d retries)\n", s.Errors, s.IgnoredErrors, s.Retries)
					if s.Aborted {
						fmt.Printf("Aborted:    %s\n", s.AbortReason)
					}
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the batch result as JSON")
	return cmd
}
