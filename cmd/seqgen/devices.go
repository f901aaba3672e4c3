package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/urfave/cli/v3"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Report host features, device kinds and registered backends",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			features := device.HostFeatures()
			if len(features) == 0 {
				features = []string{"none"}
			}
			fmt.Printf("host:     %s/%s, %d CPUs, %s heap\n",
				runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), humanize.IBytes(ms.HeapSys))
			fmt.Printf("features: %s\n", strings.Join(features, " "))
			for _, k := range device.Kinds() {
				state := "available"
				if !backend.Has(k.String()) {
					state = "not built"
				}
				fmt.Printf("device:   %-12s %s\n", k, state)
			}
			fmt.Printf("backends: %s\n", strings.Join(backend.Registered(), ", "))
			return nil
		},
	}
}
