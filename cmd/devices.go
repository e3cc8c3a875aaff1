package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/viewin/viewin-agent/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available audio devices",
	Long:  `List the input and output devices of the configured audio backend. Use the id or the exact name as capture.device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		showAll, _ := cmd.Flags().GetBool("all")

		backend, err := audio.NewBackend(cfg.Audio.Backend)
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}
		defer backend.Close()

		return listDevices(backend, showAll)
	},
}

func init() {
	devicesCmd.Flags().Bool("all", false, "also list output-only devices")
}

// listDevices prints the devices reported by backend
func listDevices(backend audio.Backend, showAll bool) error {
	devices, err := backend.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to get %s devices: %w", backend.GetType(), err)
	}

	fmt.Printf("Audio Devices (%s, %s)\n", backend.GetType(), runtime.GOOS)
	fmt.Printf("═══════════════════════════════════════\n\n")

	shown := 0
	for _, d := range devices {
		if d.MaxInputChannels == 0 && !showAll {
			continue
		}
		shown++

		marker := " "
		if d.DefaultInput {
			marker = "*"
		}
		fmt.Printf(" %s %3s. %s (in: %d, out: %d, %.0f Hz)\n",
			marker, d.ID, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	if shown == 0 {
		fmt.Println("  no input devices found")
	}

	fmt.Printf("\n* default input\n")
	fmt.Printf("Configure with capture.device: \"<id>\" or \"<name>\"\n")
	if cfg.Capture.Device != "" {
		fmt.Printf("Current capture.device: %s\n", cfg.Capture.Device)
	}
	return nil
}
