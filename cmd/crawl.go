package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd runs a single pass over the given sites, or over every stored
// site plus the configured seeds when none are given.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Run one incremental pass over sites and exit",
		RunE:  runCrawlCommand,
	}
}

type crawlLine struct {
	URL     string `json:"url"`
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
	PageID  string `json:"page_id,omitempty"`
	Chunks  int    `json:"chunks"`
	Error   string `json:"error,omitempty"`
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	results, err := appInstance.Crawl(cmd.Context(), args)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		line := crawlLine{
			URL:     res.Page.URL,
			Updated: res.Page.Updated,
			Reason:  string(res.Page.Reason),
			PageID:  res.Page.PageID,
			Chunks:  res.Page.Chunks,
		}
		if res.Err != nil {
			failed++
			line.Error = res.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	appInstance.Logger().Info("crawl command finished",
		zap.Int("sites", len(results)),
		zap.Int("failed", failed),
	)
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("all %d sites failed", failed)
	}
	return nil
}
