//go:build linux

// Command nicring runs the ring engine against a simulated NIC.
//
// The sim subcommand injects generated traffic into the device and reports what
// the engine reflected. The xdp subcommand feeds the device from an AF_XDP
// socket so the engine reflects real traffic of one interface queue.
package main

import (
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/romshark/nicring/logging"
)

var logger = logging.New("Main")

var app = &cli.App{
	Name:  "nicring",
	Usage: "NIC queue ring engine driven by a simulated device.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   defaultConfigPath,
			Usage:   "Path to config YAML `file`.",
			EnvVars: []string{"NICRING_CONFIG"},
		},
		&cli.BoolFlag{
			Name:  "print-config",
			Usage: "Print the resolved configuration before starting.",
		},
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	if err := app.Run(os.Args); err != nil {
		logger.Fatal("nicring failed", zap.Error(err))
	}
}
