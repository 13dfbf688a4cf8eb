package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var infoCommand = &cli.Command{
	Name:   "info",
	Usage:  "Show server version and capability information",
	Before: prepareApp,
	Action: cmdInfo,
}

func cmdInfo(ctx *cli.Context) error {
	client := getClient(ctx)
	if err := client.Ping(ctx.Context); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	info, err := client.ServerInfo(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to fetch server info: %w", err)
	}
	features, err := client.ServerFeatures(ctx.Context, info)
	if err != nil {
		return fmt.Errorf("failed to fetch server features: %w", err)
	}

	fmt.Printf("Server version:     %s\n", info.ServerVersion)
	fmt.Printf("macOS version:      %s\n", info.OSVersion)
	fmt.Printf("Detected iCloud:    %s\n", info.DetectedICloud)
	fmt.Printf("Private API:        %t\n", features.PrivateAPI)
	fmt.Printf("Delivered receipts: %t\n", features.DeliveredReceipts)
	fmt.Printf("Read receipts:      %t\n", features.ReadReceipts)
	fmt.Printf("Reactions:          %t\n", features.Reactions)
	fmt.Printf("FaceTime:           %t\n", features.FaceTime)
	return nil
}
