package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bosley/rehearse/mic"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := mic.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list audio devices: %w", err)
		}

		fmt.Println("Available audio input devices:")
		for _, device := range devices {
			marker := ""
			if device.Default {
				marker = " (default)"
			}
			fmt.Printf("[%d] %s%s\n", device.ID, device.Name, marker)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %.0f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play <file.wav>",
	Short: "Play back a recorded answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := mic.PlayFile(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to play %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(playCmd)
}
