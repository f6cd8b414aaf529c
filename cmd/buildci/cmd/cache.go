package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/opendg-project/buildci/pkg/buildcache"
)

var (
	cacheDir    string
	pruneMaxAge time.Duration
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the local build cache",
	Long:  `Commands for the lockfile-keyed build cache on this machine. Entries map a lockfile digest to the image tag built from it.`,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache entries",
	RunE:  runCacheStatus,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cache entries older than a cutoff",
	RunE:  runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cacheCmd.PersistentFlags().StringVar(&cacheDir, "dir", "", "cache directory (default from BUILDCI_CACHE_DIR)")
	cachePruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 30*24*time.Hour, "remove entries older than this")
}

func openCache() (*buildcache.Cache, error) {
	dir := cacheDir
	if dir == "" {
		dir = buildcache.Dir()
	}
	return buildcache.New(dir)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}

	entries, err := cache.Entries()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Image", "Workflow", "Created")
	for _, e := range entries {
		table.Append(shortID(e.Key), e.ImageTag, e.Workflow, e.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d entries in %s\n", len(entries), cache.Dir())
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}

	removed, err := cache.Prune(pruneMaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d entries from %s\n", removed, cache.Dir())
	return nil
}
