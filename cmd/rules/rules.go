// Package rules implements the rules command: print the active rules
// for a page URL from the loaded configuration.
package rules

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sifthq/sift/internal/config"
)

// Command returns the rules command.
func Command(cfgFile *string) *cobra.Command {
	var pageURL string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the active rules for a page URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := config.Load(*cfgFile)
			if cfgErr != nil {
				return fmt.Errorf("failed to load config: %w", cfgErr)
			}

			store := config.NewStaticStore(cfg)
			active, rulesErr := store.GetActiveRules(cmd.Context(), pageURL)
			if rulesErr != nil {
				return fmt.Errorf("failed to resolve rules: %w", rulesErr)
			}

			fmt.Printf("url:           %s\n", pageURL)
			fmt.Printf("hiding method: %s\n", store.GetHidingMethod())
			fmt.Printf("toast:         %t\n", store.GetToastEnabled())
			fmt.Println("allow:")
			for _, rule := range active.Allow {
				fmt.Printf("  - %s\n", rule)
			}
			fmt.Println("block:")
			for _, rule := range active.Block {
				fmt.Printf("  - %s\n", rule)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pageURL, "url", "", "page URL to resolve rules for")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}
