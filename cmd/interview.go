package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viewin/viewin-agent/internal/config"
	"github.com/viewin/viewin-agent/internal/interview"
	"github.com/viewin/viewin-agent/internal/server"
	"github.com/viewin/viewin-agent/internal/service"
)

var errQuit = errors.New("quit")

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Take an interview in the terminal",
	Long: `Run a full interview session: the introduction and each question are
played through the speakers and answers are recorded from the microphone.

Keys (followed by Enter):
  s  start the interview
  r  start / stop recording the answer
  c  confirm and send the answer
  x  discard the answer and record again
  p  play back the recorded answer
  a  hear the question again
  q  quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		serve, _ := cmd.Flags().GetBool("serve")

		svc, err := service.Build(cfg, jobID, slog.Default())
		if err != nil {
			return err
		}
		defer svc.Close()

		svc.Controller().Subscribe(interview.Hooks{
			OnStep: func(step interview.Step, questionIndex int) {
				printStep(svc, step, questionIndex)
			},
			OnInterviewComplete: func() {
				fmt.Println("Interview complete, your answers are being processed.")
			},
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return svc.Run(gctx)
		})
		g.Go(func() error {
			return readCommands(gctx, svc)
		})
		if serve {
			srv := server.New(svc, cfg.Server.Port, cfg.Playback.FrameRate, slog.Default().With("component", "server"))
			g.Go(func() error {
				return srv.Run(gctx)
			})
		}
		g.Go(func() error {
			return watchConfig(gctx)
		})
		g.Go(func() error {
			url, err := svc.WaitReport(gctx)
			if err != nil {
				return nil
			}
			fmt.Printf("Report ready: %s\n", url)
			return nil
		})

		fmt.Println("Waiting for interview audio... type 's' and Enter to start.")
		err = g.Wait()
		if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	interviewCmd.Flags().Int64("job", 0, "job report id")
	interviewCmd.Flags().Bool("serve", false, "also expose the local control API")
	interviewCmd.MarkFlagRequired("job")
}

// readCommands maps terminal input onto session operations until q or ctx.
func readCommands(ctx context.Context, svc *service.Service) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(strings.ToLower(scanner.Text())):
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		var err error
		switch line {
		case "":
			continue
		case "s":
			err = svc.StartInterview(ctx)
		case "r":
			if svc.Status().Answer == service.AnswerRecording {
				err = svc.StopAnswer(ctx)
				if err == nil {
					fmt.Println("Recording stopped. c=send  x=record again  p=listen")
				}
			} else {
				err = svc.StartAnswer(ctx)
				if err == nil {
					fmt.Println("Recording... type 'r' to stop.")
				}
			}
		case "c":
			err = svc.ConfirmAnswer(ctx)
		case "x":
			err = svc.RetryAnswer(ctx)
			if err == nil {
				fmt.Println("Answer discarded, type 'r' to record again.")
			}
		case "p":
			err = svc.ReviewAnswer(ctx)
		case "a":
			err = svc.Replay(ctx)
		case "q":
			return errQuit
		default:
			fmt.Printf("Unknown command %q\n", line)
			continue
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func printStep(svc *service.Service, step interview.Step, questionIndex int) {
	st := svc.Status()
	switch step {
	case interview.StepIntroduction:
		fmt.Println("Playing introduction...")
	case interview.StepQuestion:
		fmt.Printf("Question %d of %d\n", questionIndex+1, st.Interview.TotalQuestions)
	case interview.StepWaitingAnswer:
		fmt.Println("Your turn: type 'r' to record your answer, 'a' to hear the question again.")
	}
}

// watchConfig reloads the config file and applies a new log level.
func watchConfig(ctx context.Context) error {
	if _, err := os.Stat(cfgFile); err != nil {
		return nil
	}
	err := config.Watch(ctx, cfgFile, profile, slog.Default().With("component", "config"), func(c *config.Config) {
		setLogLevel(c.Logging.Level)
		slog.Info("Configuration reloaded", "profile", c.Profile, "log_level", c.Logging.Level)
	})
	if err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}
	return nil
}
