package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the recency cache",
	}

	var (
		pattern string
		ttl     time.Duration
	)
	extend := &cobra.Command{
		Use:   "extend",
		Short: "Re-apply an expiry to cached link keys",
		Long: `Re-applies --ttl to every recency cache key matching --pattern (a Redis
glob relative to the cache prefix). A zero --ttl removes the expiry, so the
matching links are never fetched again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cache, err := appInstance.RecencyCache()
			if err != nil {
				return err
			}
			n, err := cache.Extend(cmd.Context(), pattern, ttl)
			if err != nil {
				return fmt.Errorf("extend cache keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d key(s)\n", n)
			return nil
		},
	}
	extend.Flags().StringVar(&pattern, "pattern", "*", "glob of cache keys to update")
	extend.Flags().DurationVar(&ttl, "ttl", 0, "new expiry for matching keys (0 removes it)")

	cmd.AddCommand(extend)
	return cmd
}
