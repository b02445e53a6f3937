package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mailvoice/internal/capture"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices usable as AUDIO_INPUT_DEVICE",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		devices, err := capture.ListInputDevices()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEFAULT\tNAME\tCHANNELS\tSAMPLE RATE")
		for _, d := range devices {
			mark := ""
			if d.Default {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\n", mark, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
