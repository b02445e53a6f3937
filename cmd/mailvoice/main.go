package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "mailvoice",
	Short:         "Hands-free voice client for a voice-driven email server",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `mailvoice records one spoken turn at a time, submits it to a voice email
server and plays the spoken reply. Saying an interrupt word such as "stop"
during playback cuts the reply short.

Configuration comes from the environment and an optional .env file.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
