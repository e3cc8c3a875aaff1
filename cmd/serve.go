package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viewin/viewin-agent/internal/server"
	"github.com/viewin/viewin-agent/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local control API for an interview",
	Long: `Start the interview session and expose it over HTTP on localhost so a
web page can drive it. Answer controls are plain POST requests and the
agent and microphone levels are streamed over a websocket at /ws/levels.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}

		svc, err := service.Build(cfg, jobID, slog.Default())
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(svc, cfg.Server.Port, cfg.Playback.FrameRate, slog.Default().With("component", "server"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return svc.Run(gctx)
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
		g.Go(func() error {
			return watchConfig(gctx)
		})

		slog.Info("Interview control API starting", "job", jobID, "port", cfg.Server.Port, "config", cfgFile)
		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int64("job", 0, "job report id")
	serveCmd.Flags().Int("port", 0, "port for the control API (overrides config)")
	serveCmd.MarkFlagRequired("job")
}
