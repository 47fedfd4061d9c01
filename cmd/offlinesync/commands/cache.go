package commands

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	offlinesync "github.com/dgduncan/go-offline-sync"
	"github.com/dgduncan/go-offline-sync/internal/config"
	"github.com/dgduncan/go-offline-sync/statusapi"
)

var timeNow = time.Now

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the response cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached responses, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(_ *config.Config, e *offlinesync.Engine) error {
			entries := e.Cache().Entries()
			if len(entries) == 0 {
				cmd.Println("Cache is empty.")
				return nil
			}

			now := timeNow()
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.Key,
					strconv.Itoa(entry.Response.StatusCode),
					humanize.IBytes(uint64(len(entry.Response.Body))),
					statusapi.Age(entry.CreatedAt, now),
					humanize.RelTime(now, entry.ExpiresAt, "left", "ago"),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"URL", "Status", "Size", "Cached", "Expires"}, rows)
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached response",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(_ *config.Config, e *offlinesync.Engine) error {
			n := e.Cache().Len()
			if err := e.Cache().Clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Printf("Dropped %d cached responses.\n", n)
			return nil
		})
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
