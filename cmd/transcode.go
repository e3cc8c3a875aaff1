package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/codec"
	"github.com/viewin/viewin-agent/internal/transcode"
)

var transcodeCmd = &cobra.Command{
	Use:   "transcode IN OUT",
	Short: "Convert a recorded answer to 16-bit PCM WAV",
	Long: `Decode an Ogg/Opus, MP3 or WAV clip and write it as 16-bit PCM WAV, the same
conversion applied to answers before upload.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, out := args[0], args[1]

		data, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", in, err)
		}
		container := codec.Sniff(data)
		slog.Debug("Input detected", "path", in, "container", container, "bytes", len(data))

		clip := &audio.Clip{
			ID:          filepath.Base(in),
			Data:        data,
			ContentType: container.ContentType(),
			CreatedAt:   time.Now(),
		}

		ctx := cmd.Context()
		timeout := cfg.Interview.AnswerTimeout
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		converted, err := transcode.New(slog.Default().With("component", "transcode")).Convert(ctx, clip)
		if err != nil {
			return fmt.Errorf("transcoding failed: %w", err)
		}

		if err := os.WriteFile(out, converted.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("%s (%s) -> %s (%s, %d bytes)\n", in, container, out, converted.ContentType, converted.Size())
		return nil
	},
}
