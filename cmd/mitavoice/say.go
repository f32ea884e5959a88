package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mitavoice/internal/audio"
	"mitavoice/internal/backend"
)

func newSayCmd() *cobra.Command {
	var (
		character string
		pitch     int
		out       string
		play      bool
	)
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Synthesize text with the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Manager.Close() }()

			model := a.Config.Voice.Model
			if model == "" {
				return fmt.Errorf("no model selected; pass --model")
			}
			req := backend.Request{
				ModelID:   model,
				Text:      strings.Join(args, " "),
				Character: backend.Character{Short: character},
			}
			if cmd.Flags().Changed("pitch") {
				req.Character.Pitch = &pitch
			}
			path, err := a.Manager.Voiceover(ctx, req)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("voice output failed; see log")
			}
			if out != "" {
				if err := audio.Copy(path, out); err != nil {
					return err
				}
				path = out
			}
			if info, err := audio.Inspect(path); err == nil {
				logger.Info().Str("path", path).Int("channels", info.Channels).Int("sample_rate", info.SampleRate).Msg("voiceover written")
			}
			if play {
				if err := a.Manager.Deliver(path, false); err != nil {
					return fmt.Errorf("play: %w (set --player)", err)
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&character, "as", "", "Character short name (default from --character)")
	cmd.Flags().IntVar(&pitch, "pitch", 0, "Pitch override in semitones")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Copy the result to this path")
	cmd.Flags().BoolVar(&play, "play", false, "Play the result with the configured player")
	return cmd
}
