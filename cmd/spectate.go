package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/spectate"
)

var spectateOut string

var spectateCmd = &cobra.Command{
	Use:   "spectate <match-id>",
	Short: "Follow a live match broadcast",
	Long:  "Syncs with the relay, fetches the full snapshot, then follows delta fragments until the stop frame. With --out, the raw frame stream is written to a file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matchID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid match id %q", args[0])
		}
		return runSpectate(cmd, matchID)
	},
}

func init() {
	spectateCmd.Flags().StringVar(&spectateOut, "out", "", "write the raw frame stream to this file")
	rootCmd.AddCommand(spectateCmd)
}

func runSpectate(cmd *cobra.Command, matchID uint64) error {
	if cfg.Spectate.BaseURL == "" {
		return eris.New("config: spectate.base_url is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out *os.File
	if spectateOut != "" {
		f, err := os.Create(spectateOut)
		if err != nil {
			return eris.Wrap(err, "create output file")
		}
		defer f.Close()
		out = f
	}

	spec := spectate.New(spectate.Config{
		BaseURL:      cfg.Spectate.BaseURL,
		StartupGrace: time.Duration(cfg.Spectate.StartupGraceSecs) * time.Second,
		SyncGrace:    time.Duration(cfg.Spectate.SyncGraceSecs) * time.Second,
	})

	summary, err := spec.Watch(ctx, matchID, func(_ uint64, f spectate.Frame) error {
		if out == nil {
			return nil
		}
		_, werr := out.Write(spectate.AppendFrame(nil, f))
		return werr
	})
	if summary != nil {
		zap.L().Info("broadcast finished",
			zap.Uint64("match_id", summary.MatchID),
			zap.Int("frames", summary.Frames),
			zap.Uint32("last_tick", summary.LastTick),
		)
	}
	return err
}
