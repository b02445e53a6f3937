package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mailvoice/internal/audio"
)

var encodeRate int

var encodeCmd = &cobra.Command{
	Use:   "encode <in.wav> <out.wav>",
	Short: "Resample a PCM16 WAV file the way recordings are prepared for upload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := encodeFile(args[0], args[1], encodeRate)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples at %d Hz to %s\n", n, encodeRate, args[1])
		return nil
	},
}

func init() {
	encodeCmd.Flags().IntVar(&encodeRate, "rate", 16000, "target sample rate")
	rootCmd.AddCommand(encodeCmd)
}

func encodeFile(in, out string, rate int) (int, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("rate must be positive")
	}
	raw, err := os.ReadFile(in)
	if err != nil {
		return 0, fmt.Errorf("read input: %w", err)
	}
	header, pcm, err := audio.DecodePCM16(raw)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", in, err)
	}
	if header.Channels != 1 {
		return 0, fmt.Errorf("decode %s: only mono input is supported, got %d channels", in, header.Channels)
	}
	samples := audio.Resample(audio.PCM16ToFloat(pcm), int(header.SampleRate), rate)
	if err := os.WriteFile(out, audio.EncodeWAV(samples, rate), 0o644); err != nil {
		return 0, fmt.Errorf("write output: %w", err)
	}
	return len(samples), nil
}
