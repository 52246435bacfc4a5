package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/discovery-cli/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the fingerprint cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cache entries and stale claims",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := cache.New(st, cfg.CacheOptions()).Purge(ctx)
		if err != nil {
			return eris.Wrap(err, "cache purge")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cache entries\n", n)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <fingerprint>...",
	Short: "Drop cached generations so the next run regenerates them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return invalidateFingerprints(ctx, cache.New(st, cfg.CacheOptions()), args, cmd.OutOrStdout())
	},
}

type invalidator interface {
	Invalidate(ctx context.Context, fp cache.Fingerprint) error
}

// invalidateFingerprints checks every hash before dropping any of them.
func invalidateFingerprints(ctx context.Context, c invalidator, hashes []string, w io.Writer) error {
	for _, h := range hashes {
		if b, err := hex.DecodeString(h); err != nil || len(b) != 32 {
			return eris.Errorf("cache invalidate: %q is not a fingerprint", h)
		}
	}
	for _, h := range hashes {
		if err := c.Invalidate(ctx, cache.Fingerprint{Hash: h}); err != nil {
			return eris.Wrap(err, "cache invalidate")
		}
		fmt.Fprintf(w, "Invalidated %s\n", h)
	}
	return nil
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
