package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "candletool",
	Short:        "gs_usb / candleLight CAN adapter tool",
	Long:         `Inspect, configure and exercise gs_usb compatible CAN and CAN-FD adapters`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagDevice      = "device"
	flagChannel     = "channel"
	flagBitrate     = "bitrate"
	flagDataBitrate = "data-bitrate"
	flagSamplePoint = "sample-point"
	flagFD          = "fd"
	flagLoopback    = "loopback"
	flagListenOnly  = "listen-only"
	flagTimestamp   = "timestamp"
	flagVirtual     = "virtual"
	flagDebug       = "debug"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.IntP(flagDevice, "d", -1, "device index, -1 = prompt when more than one")
	pf.IntP(flagChannel, "c", 0, "channel index")
	pf.Uint32P(flagBitrate, "b", 500_000, "nominal bitrate")
	pf.Uint32(flagDataBitrate, 2_000_000, "CAN-FD data bitrate")
	pf.Uint32(flagSamplePoint, 0, "sample point in permille, 0 = CiA default")
	pf.Bool(flagFD, false, "start the channel in CAN-FD mode")
	pf.Bool(flagLoopback, false, "start the channel in loopback mode")
	pf.Bool(flagListenOnly, false, "start the channel in listen-only mode")
	pf.Bool(flagTimestamp, false, "request hardware timestamps")
	pf.Bool(flagVirtual, false, "use an in-memory virtual adapter instead of USB")
	pf.Bool(flagDebug, false, "debug mode")
}
