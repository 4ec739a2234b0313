package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"tickhub/internal/app"
	"tickhub/internal/config"
	logx "tickhub/pkg/logx"
)

var historyFlags = []cli.Flag{
	configFlag,
	cli.IntFlag{
		Name:  "limit, n",
		Usage: "number of runs to print, newest first",
		Value: 20,
	},
	cli.BoolFlag{
		Name:  "json",
		Usage: "print one JSON object per line",
	},
}

func history(ctx *cli.Context) error {
	cfg, err := config.NewManager(ctx.String("config")).Parse()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("storage is disabled in this config")
	}
	defer store.Close()

	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runs, err := store.RecentRuns(qctx, ctx.Int("limit"))
	if err != nil {
		return err
	}

	out := ctx.App.Writer
	if ctx.Bool("json") {
		enc := json.NewEncoder(out)
		for _, r := range runs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tTASK\tTRIGGER\tOK\tTOOK\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			r.At.Local().Format(time.DateTime),
			r.Name,
			r.Trigger,
			r.OK,
			(time.Duration(r.TookMS) * time.Millisecond).String(),
			r.Error,
		)
	}
	return tw.Flush()
}
