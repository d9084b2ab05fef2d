/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the line artifact cache",
	Long: `Inspect and clean the SQLite artifact cache.

When cache.redis_addr is set, artifacts live in Redis and expire there on
their own; these commands only touch the SQLite table.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show artifact cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.ArtifactStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Total entries:   %d\n", stats.Entries)
		fmt.Printf("Expired entries: %d\n", stats.Expired)
		fmt.Printf("Payload bytes:   %d\n", stats.TotalBytes)
		if stats.Entries > 0 {
			fmt.Printf("Oldest entry:    %s\n", stats.Oldest.Local().Format(time.DateTime))
			fmt.Printf("Newest entry:    %s\n", stats.Newest.Local().Format(time.DateTime))
		}
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired artifacts and stale locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PurgeExpired(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to purge cache: %w", err)
		}
		fmt.Printf("Purged %d expired entries.\n", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearArtifacts(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Printf("Cleared %d entries from the artifact cache.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
