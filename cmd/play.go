package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/playback"
	"github.com/viewin/viewin-agent/internal/transcode"
)

var playCmd = &cobra.Command{
	Use:   "play URL...",
	Short: "Play audio clips through the playback engine",
	Long: `Play one or more clips in order. Each argument may be an http(s) URL or a
local Ogg/Opus or WAV file. Press Ctrl+C to stop.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		audioBackend, err := audio.NewBackend(cfg.Audio.Backend)
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}
		defer audioBackend.Close()

		client := resty.New().SetTimeout(cfg.API.RequestTimeout)
		element := playback.NewStreamElement(audioBackend, client, transcode.Decode, cfg.Playback.FramesPerBuffer, slog.Default().With("component", "element"))
		engine := playback.NewEngine(element, playback.Options{
			LoadTimeout: cfg.Playback.LoadTimeout,
			SettleDelay: cfg.Playback.SettleDelay,
			FrameRate:   cfg.Playback.FrameRate,
		}, slog.Default().With("component", "playback"))
		defer engine.Close()

		items := make([]playback.Item, len(args))
		for i, arg := range args {
			items[i] = playback.Item{URL: arg}
		}
		if err := engine.LoadQueue(items); err != nil {
			return err
		}

		done := make(chan struct{})
		errs := make(chan error, 1)
		engine.Subscribe(playback.Hooks{
			OnItemStarted: func(index int, item playback.Item) {
				fmt.Printf("Playing %d/%d: %s\n", index+1, len(items), item.URL)
			},
			OnQueueComplete: func() {
				close(done)
			},
			OnError: func(err error) {
				select {
				case errs <- err:
				default:
				}
			},
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Play(ctx, ""); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				fmt.Println("Playback complete")
				return nil
			case err := <-errs:
				return fmt.Errorf("playback failed: %w", err)
			case <-ctx.Done():
				engine.Stop()
				return nil
			case <-ticker.C:
				position, duration := engine.Progress()
				slog.Debug("Playback progress", "position", position, "duration", duration, "level", engine.Volume())
			}
		}
	},
}
