package main

import (
	"fmt"

	"github.com/urfave/cli"

	"tickhub/internal/app"
	"tickhub/internal/config"
)

func validate(ctx *cli.Context) error {
	path := ctx.String("config")
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(ctx.App.Writer, "%s: ok (%d tasks)\n", path, len(cfg.Tasks))
	return nil
}
