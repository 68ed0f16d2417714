package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/crawler"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
)

type fetchFlags struct {
	priority      int
	headless      bool
	respectRobots bool
}

// fetchLine is one line of fetch output.
type fetchLine struct {
	crawler.Outcome
	RobotsFallback string `json:"robots_fallback,omitempty"`
}

func newFetchCmd() *cobra.Command {
	flags := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the scheduler and print one JSON outcome per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, flags)
		},
	}
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "queue priority, lower is more urgent (0 uses the default)")
	cmd.Flags().BoolVar(&flags.headless, "headless", false, "render pages with headless Chrome")
	cmd.Flags().BoolVar(&flags.respectRobots, "respect-robots", true, "honor robots.txt")
	return cmd
}

func runFetch(cmd *cobra.Command, urls []string, flags *fetchFlags) error {
	if flags.priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	reqs := make([]pipeline.Request, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, pipeline.Request{
			URL:           u,
			Priority:      flags.priority,
			Headless:      flags.headless,
			RespectRobots: flags.respectRobots,
		})
	}

	results, fetchErr := a.Fetch(cmd.Context(), reqs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if res.Outcome.URL == "" {
			continue
		}
		if !res.Outcome.Succeeded() {
			failed++
		}
		if err := enc.Encode(fetchLine{Outcome: res.Outcome, RobotsFallback: res.Response.RobotsFallback}); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("fetch: %w", fetchErr)
	}
	a.Logger().Info("fetch finished", zap.Int("requested", len(urls)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(urls))
	}
	return nil
}
