package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"tickhub/internal/app"
)

const stopTimeout = 10 * time.Second

func run(ctx *cli.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	base := context.Background()
	a, err := app.New(base, ctx.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(base); err != nil {
		return err
	}

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	sctx, cancel := context.WithTimeout(base, stopTimeout)
	defer cancel()
	_ = a.Stop(sctx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
