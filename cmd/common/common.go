// Package common holds setup helpers shared by the CLI commands.
package common

import (
	"context"
	"fmt"

	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/snapshot"
)

// Setup loads configuration and builds the logger shared by the
// commands.
func Setup(cfgFile string, debug bool) (*config.Config, logger.Interface, error) {
	cfg, cfgErr := config.Load(cfgFile)
	if cfgErr != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", cfgErr)
	}
	if debug {
		cfg.Logger.Level = "debug"
		cfg.Logger.Development = true
	}

	log, logErr := logger.New(&cfg.Logger)
	if logErr != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", logErr)
	}
	return cfg, log, nil
}

// LoadTree builds a document tree from a live fetch or a saved file.
func LoadTree(ctx context.Context, log logger.Interface, pageURL, fromFile string) (*hosttree.DocumentTree, error) {
	if fromFile != "" {
		tree, err := snapshot.FromFile(fromFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		return tree, nil
	}

	fetcher := snapshot.NewFetcher(log)
	tree, err := fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	return tree, nil
}
