// Command avatarclient talks to an avatard server the way a browser client
// does: it streams a WAV file as microphone audio and plays the spoken reply,
// printing the mouth pose that would be shown for every animation frame.
//
// Usage:
//
//	avatarclient stream --file hello.wav [--url ws://127.0.0.1:8080/v1/ws]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "avatarclient:", err)
		stop()
		os.Exit(1)
	}
}
