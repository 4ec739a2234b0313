package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const version = "0.1.0"

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "path to the config file (JSON or YAML)",
	Value:  "./tickhub.yaml",
	EnvVar: "TICKHUB_CONFIG",
}

func Execute(args []string) error {
	app := cli.App{
		Name:      "tickhub",
		Usage:     "run declared tasks on one shared polling loop",
		Version:   version,
		UsageText: "tickhub <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "start the daemon",
				Action: run,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "validate",
				Usage:  "parse and validate the config file",
				Action: validate,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:    "history",
				Aliases: []string{"h"},
				Usage:   "print recent task runs from the configured store",
				Action:  history,
				Flags:   historyFlags,
			},
		},
	}
	return app.Run(args)
}

func main() {
	if err := Execute(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tickhub:", err)
		os.Exit(1)
	}
}
