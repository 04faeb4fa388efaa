package cmd

import (
	"fmt"
	"strconv"

	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/spf13/cobra"
)

// Bit timing limits of the STM32 bxCAN found on most candleLight boards.
var candleLightLimits = bittiming.Constraint{
	Tseg1Min: 1, Tseg1Max: 16,
	Tseg2Min: 1, Tseg2Max: 8,
	SJWMax: 4,
	BRPMin: 1, BRPMax: 1024, BRPInc: 1,
}

func init() {
	f := timingCmd.Flags()
	f.Uint32("clock", 48_000_000, "CAN clock in Hz")
	f.Uint32("tseg1-min", candleLightLimits.Tseg1Min, "")
	f.Uint32("tseg1-max", candleLightLimits.Tseg1Max, "")
	f.Uint32("tseg2-min", candleLightLimits.Tseg2Min, "")
	f.Uint32("tseg2-max", candleLightLimits.Tseg2Max, "")
	f.Uint32("sjw-max", candleLightLimits.SJWMax, "")
	f.Uint32("brp-min", candleLightLimits.BRPMin, "")
	f.Uint32("brp-max", candleLightLimits.BRPMax, "")
	f.Uint32("brp-inc", candleLightLimits.BRPInc, "")
	rootCmd.AddCommand(timingCmd)
}

var timingCmd = &cobra.Command{
	Use:   "timing <bitrate>...",
	Short: "solve bit timings offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		get := func(name string) uint32 {
			v, _ := f.GetUint32(name)
			return v
		}
		c := bittiming.Constraint{
			Tseg1Min: get("tseg1-min"), Tseg1Max: get("tseg1-max"),
			Tseg2Min: get("tseg2-min"), Tseg2Max: get("tseg2-max"),
			SJWMax: get("sjw-max"),
			BRPMin: get("brp-min"), BRPMax: get("brp-max"), BRPInc: get("brp-inc"),
		}
		clock := get("clock")
		sp, _ := f.GetUint32(flagSamplePoint)

		for _, arg := range args {
			bitrate, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return fmt.Errorf("invalid bitrate %q: %w", arg, err)
			}
			t, err := bittiming.Solve(c, uint32(bitrate), clock, sp)
			if err != nil {
				fmt.Printf("%d: %v\n", bitrate, err)
				continue
			}
			e := bittiming.BitrateError(uint32(bitrate), t)
			fmt.Printf("%d: %s, error %d.%d%%\n", bitrate, t, e/10, e%10)
		}
		return nil
	},
}
