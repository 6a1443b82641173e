package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"

	"github.com/harrison/seqbench/internal/cmd"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := cmd.NewRootCommand(&cmd.Options{Stdout: stdout, Stderr: stderr})
	root.SetArgs(args[1:])

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command. Cancelling its context asks a running benchmark to
	// stop after the in-flight steps.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan struct{})
		g.Add(
			func() error {
				defer close(done)
				return root.ExecuteContext(ctx)
			},
			func(_ error) {
				cancel()
				<-done
			},
		)
	}

	return g.Run()
}

func main() {
	ctx := context.Background()
	if err := Run(ctx, os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
