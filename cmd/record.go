package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/capture"
	"github.com/viewin/viewin-agent/internal/service"
	"github.com/viewin/viewin-agent/internal/transcode"
)

var recordCmd = &cobra.Command{
	Use:   "record FILE",
	Short: "Record one answer from the microphone",
	Long: `Record from the microphone until Ctrl+C, with the configured capture
constraints applied. The recording is written as FILE.ogg (Ogg/Opus) and
FILE.wav (16-bit PCM).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
		device, _ := cmd.Flags().GetString("device")
		if device == "" {
			device = cfg.Capture.Device
		}
		slog.Info("Record command started", "output", base, "device", device)

		audioBackend, err := audio.NewBackend(cfg.Audio.Backend)
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}
		defer audioBackend.Close()

		logger := slog.Default()
		session := capture.NewSession(audioBackend, transcode.New(logger.With("component", "transcode")), service.CaptureOptions(cfg), logger.With("component", "capture"))
		defer session.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := session.Start(ctx, device); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Println("Recording... Press Ctrl+C to stop")

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
				fmt.Printf("\rlevel %s", meter(session.Volume()))
			}
		}
		fmt.Println()

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Interview.AnswerTimeout)
		defer cancel()
		if err := session.Stop(stopCtx); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		raw := session.RawClip()
		if err := writeClip(base, raw); err != nil {
			return err
		}
		answer, err := session.Answer(stopCtx)
		if err != nil {
			return fmt.Errorf("failed to get answer: %w", err)
		}
		if answer != raw {
			if err := writeClip(base, answer); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().String("device", "", "input device id or name (overrides config)")
}

func writeClip(base string, clip *audio.Clip) error {
	path := base + "." + clip.Extension()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, clip.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", path, clip.Size())
	return nil
}

// meter renders a 0..1 level as a fixed-width bar
func meter(level float64) string {
	const width = 30
	n := int(level * width)
	if n > width {
		n = width
	}
	if n < 0 {
		n = 0
	}
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", width-n) + "]"
}
