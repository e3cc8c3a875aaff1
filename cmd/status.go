package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/viewin/viewin-agent/internal/backend"
	"github.com/viewin/viewin-agent/internal/interview"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a job report",
	Long: `Query the job status endpoint once, or keep polling with --watch until the
report is ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		watch, _ := cmd.Flags().GetBool("watch")
		asJSON, _ := cmd.Flags().GetBool("json")

		if cfg.API.BaseURL == "" {
			return fmt.Errorf("api.base_url is not configured")
		}
		client := backend.NewClient(backend.Options{
			BaseURL: cfg.API.BaseURL,
			Token:   cfg.API.Token,
			Timeout: cfg.API.RequestTimeout,
			Retries: cfg.API.Retries,
		}, slog.Default().With("component", "backend"))
		feed := backend.NewStatusFeed(client, jobID, cfg.API.PollInterval, slog.Default().With("component", "feed"))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !watch {
			resp, err := feed.Poll(ctx)
			if err != nil {
				return err
			}
			return printJobStatus(resp, asJSON)
		}

		for update := range feed.Watch(ctx) {
			if update.Err != nil {
				slog.Warn("Status poll failed", "error", update.Err)
				continue
			}
			if err := printJobStatus(update.Response, asJSON); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int64("job", 0, "job report id")
	statusCmd.Flags().Bool("watch", false, "poll until the report is ready")
	statusCmd.Flags().Bool("json", false, "print the raw response")
	statusCmd.MarkFlagRequired("job")
}

func printJobStatus(resp *backend.StatusResponse, asJSON bool) error {
	if asJSON {
		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("error marshaling status: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	files := make([]interview.AudioFile, len(resp.AudioURLs))
	for i, a := range resp.AudioURLs {
		files[i] = interview.AudioFile{FileName: a.FileName, URL: a.PresignedURL}
	}
	snap := interview.SnapshotFromFiles(files)

	status := string(resp.Status)
	if status == "" {
		status = "unknown"
	}
	intro := "missing"
	if snap.IntroductionURL != "" {
		intro = "ready"
	}
	fmt.Printf("status: %s  introduction: %s  questions: %d/%d\n",
		status, intro, snap.Available(), len(snap.Questions))
	if resp.ReportURL != "" {
		fmt.Printf("report: %s\n", resp.ReportURL)
	}
	return nil
}
