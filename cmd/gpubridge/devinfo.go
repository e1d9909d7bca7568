package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/cuda"
	"github.com/axonlabs/gpu-bridge/internal/device"
)

func devinfoCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "devinfo",
		Usage: "List the GPU devices usable for offloading and their attributes",
		Action: func(c *cli.Context) error {
			return printDeviceInfo(*cfg, *log)
		},
	}
}

func printDeviceInfo(cfg *config.Config, log *zap.Logger) error {
	inv, err := device.Discover(cuda.NewDriver(), log)
	if err != nil {
		return err
	}
	rows, err := device.InfoRows(inv)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE_ID\tATTRIBUTE\tVALUE")
	for _, row := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\n", row.DeviceID, row.Attribute, row.Value)
	}
	return w.Flush()
}
