package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "avatarclient",
		Short:         "Realtime talking avatar client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStreamCmd())
	return root
}

func newStreamCmd() *cobra.Command {
	opts := streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a WAV file as microphone audio and play the reply",
		Long: `Stream a WAV file to the avatar websocket as if it were captured live.

The file is downmixed to mono, resampled to 16 kHz and cut into 2048-sample
frames. Spoken replies are played on a timed sink while their visemes drive
the mouth animation; every change of the dominant pose is printed.

Examples:
  avatarclient stream --file hello.wav
  avatarclient stream --file hello.wav --realtime 4 --out reply.pcm`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return runStream(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/v1/ws", "avatar websocket URL (http(s) URLs are converted)")
	f.StringVarP(&opts.file, "file", "f", "", "WAV file to stream (16-bit PCM)")
	f.StringVar(&opts.language, "language", "en-US", "recognition language")
	f.StringVar(&opts.sessionID, "session", "", "session id (server generated when empty)")
	f.StringVar(&opts.voice, "voice", "", "synthesis voice name")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.replyTimeout, "reply-timeout", 30*time.Second, "how long to wait for the spoken reply after the last frame")
	f.IntVar(&opts.dialAttempts, "dial-attempts", 5, "websocket dial attempts")
	f.DurationVar(&opts.frameInterval, "frame-interval", 40*time.Millisecond, "animation frame interval")
	f.StringVar(&opts.outPath, "out", "", "write received reply audio (PCM16LE 16 kHz) to this file")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only print transcripts and replies")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
