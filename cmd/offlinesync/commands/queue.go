package commands

import (
	"context"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	offlinesync "github.com/dgduncan/go-offline-sync"
	"github.com/dgduncan/go-offline-sync/internal/config"
	"github.com/dgduncan/go-offline-sync/internal/logging"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline request queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(_ *config.Config, e *offlinesync.Engine) error {
			items := e.Queue().Snapshot()
			if len(items) == 0 {
				cmd.Println("No queued requests.")
				return nil
			}

			rows := make([][]string, 0, len(items))
			for _, it := range items {
				rows = append(rows, []string{
					it.ID,
					it.Description,
					humanize.Time(it.CreatedAt),
					strconv.Itoa(it.RetryCount) + "/" + strconv.Itoa(it.MaxRetries),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "Request", "Queued", "Retries"}, rows)
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued request without sending it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(_ *config.Config, e *offlinesync.Engine) error {
			n := e.Queue().Len()
			if err := e.Queue().Clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Printf("Dropped %d queued requests.\n", n)
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued requests against the upstream now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(_ *config.Config, e *offlinesync.Engine) error {
			res := e.Sync(cmd.Context())
			if res.Skipped {
				cmd.Printf("Nothing replayed (%s).\n", res.SkipReason)
				return nil
			}
			cmd.Printf("Replayed %d requests: %d succeeded, %d failed, %d dropped. %d still queued.\n",
				res.Attempted, res.Succeeded, res.Failed, res.Dropped, e.Queue().Len())
			return nil
		})
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueDrainCmd)
}

// withEngine loads the configured store into a started engine, runs fn and
// closes everything again.
func withEngine(ctx context.Context, fn func(*config.Config, *offlinesync.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	primary, secondary := signals(cfg)
	engineCfg := cfg.Engine()
	engineCfg.SyncOnStart = false

	e, err := offlinesync.NewEngine(offlinesync.Components{
		Store:     store,
		Primary:   primary,
		Secondary: secondary,
	}, &engineCfg, nil, logger)
	if err != nil {
		return err
	}

	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Close()

	return fn(cfg, e)
}
