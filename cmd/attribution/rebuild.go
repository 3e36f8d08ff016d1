package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/aggregator"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/pipeline"
)

var (
	rebuildCampaign string
	rebuildPersist  bool
)

// rebuildCmd replays a campaign's attribution log into a fresh aggregator and
// prints the digest of the resulting rollups. Two runs over the same log print
// the same digest.
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild a campaign's rollups from its attribution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rebuildCampaign == "" {
			return errors.New("--campaign is required")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if !cfg.Database.Enabled() {
			return errors.New("rebuild needs the PostgreSQL attribution log")
		}

		ctx := cmd.Context()
		conns, err := database.Open(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open connections: %w", err)
		}
		defer conns.Close()

		st, err := openStores(cfg, conns, "", logger)
		if err != nil {
			return err
		}

		agg, err := aggregator.New(cfg.Aggregator, st.campaigns, logger)
		if err != nil {
			return fmt.Errorf("aggregator: %w", err)
		}

		res, err := pipeline.Rebuild(ctx, st.attribution, agg, rebuildCampaign)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", rebuildCampaign, err)
		}
		logger.Info("rebuild complete",
			zap.String("campaign_id", res.CampaignID),
			zap.Int("records", res.Records),
			zap.Int64("version", res.Version),
			zap.String("digest", res.Digest),
		)

		if rebuildPersist && len(res.Snapshots) > 0 {
			if err := st.rollups.SaveSnapshots(ctx, res.Snapshots); err != nil {
				return fmt.Errorf("save snapshots: %w", err)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildCampaign, "campaign", "", "campaign to rebuild")
	rebuildCmd.Flags().BoolVar(&rebuildPersist, "persist", false, "write the rebuilt snapshots to the rollup store")
}
