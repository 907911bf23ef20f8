// Package scan implements the scan command: one full filtering pass
// over a fetched or saved page snapshot.
package scan

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sifthq/sift/cmd/common"
	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/engine"
)

// Command returns the scan command.
func Command(cfgFile *string, debug *bool) *cobra.Command {
	var (
		pageURL  string
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one filtering pass against a page",
		Long: `Scan fetches a page (or loads downloaded HTML), runs container
detection, classification, and reconciliation once, and prints the
hidden items and counters.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pageURL == "" && fromFile == "" {
				return fmt.Errorf("either --url or --file is required")
			}
			return run(cmd.Context(), *cfgFile, *debug, pageURL, fromFile)
		},
	}

	cmd.Flags().StringVar(&pageURL, "url", "", "page URL to fetch and filter")
	cmd.Flags().StringVar(&fromFile, "file", "", "saved HTML snapshot to filter")

	return cmd
}

func run(ctx context.Context, cfgFile string, debug bool, pageURL, fromFile string) error {
	cfg, log, err := common.Setup(cfgFile, debug)
	if err != nil {
		return err
	}

	tree, treeErr := common.LoadTree(ctx, log, pageURL, fromFile)
	if treeErr != nil {
		return treeErr
	}
	if pageURL == "" {
		pageURL = "file://" + fromFile
	}

	confStore := config.NewStaticStore(cfg)
	session, sessionErr := engine.BuildSession(ctx, cfg, tree, confStore, pageURL, log)
	if sessionErr != nil {
		return fmt.Errorf("failed to build session: %w", sessionErr)
	}

	if triggerErr := session.Trigger(ctx, engine.ManualTrigger{}); triggerErr != nil {
		return fmt.Errorf("filtering pass failed: %w", triggerErr)
	}

	m := session.Metrics()
	fmt.Printf("page:       %s\n", pageURL)
	fmt.Printf("strategy:   %s\n", session.StrategyName())
	fmt.Printf("detected:   %d items\n", m.GetItemsDetected())
	fmt.Printf("hidden:     %d\n", m.GetItemsHidden())
	fmt.Printf("unhidden:   %d\n", m.GetItemsUnhidden())
	fmt.Printf("cache:      %d hits / %d misses\n", m.GetCacheHits(), m.GetCacheMisses())
	fmt.Printf("batches:    %d dispatched, %d failed\n", m.GetBatchesDispatched(), m.GetBatchesFailed())

	return nil
}
