package cmd

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/spf13/cobra"
)

func init() {
	f := sendCmd.Flags()
	f.Bool("ext", false, "29-bit identifier")
	f.Bool("rtr", false, "remote transmission request")
	f.Bool("brs", false, "CAN-FD bitrate switch")
	f.Int("count", 1, "number of frames to send")
	f.Duration("interval", 0, "pause between frames")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [hexdata]",
	Short: "send frames and wait for their echo",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := frameFromArgs(cmd, args)
		if err != nil {
			return err
		}
		mode := modeFromFlags(cmd)
		if f.FD {
			mode |= candle.ModeFD
		}
		_, ch, done, err := openChannel(cmd, mode)
		if err != nil {
			return err
		}
		defer done()

		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")
		for i := 0; i < count; i++ {
			err := retry.Do(
				func() error {
					return ch.Send(ctx, f, 0)
				},
				retry.Context(ctx),
				retry.Attempts(3),
				retry.RetryIf(candle.IsTimeout),
				retry.OnRetry(func(n uint, err error) {
					log.Printf("send attempt %d: %v", n+1, err)
				}),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				return err
			}
			fmt.Println(f.ColorString())
			if !mode.Has(candle.ModeListenOnly) {
				if err := waitEcho(cmd, ch, f); err != nil {
					return err
				}
			}
			if interval > 0 && i+1 < count {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
		}
		return nil
	},
}

func waitEcho(cmd *cobra.Command, ch *candle.Channel, sent *frame.Frame) error {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f, err := ch.Receive(cmd.Context(), time.Until(deadline))
		if err != nil {
			return fmt.Errorf("waiting for echo: %w", err)
		}
		if !f.RX && f.ID == sent.ID {
			return nil
		}
		fmt.Println(f.ColorString())
	}
	return fmt.Errorf("waiting for echo: %w", candle.ErrTimeout)
}

func frameFromArgs(cmd *cobra.Command, args []string) (*frame.Frame, error) {
	pf := cmd.Flags()
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args[0]), "0x"), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	var data []byte
	if len(args) == 2 {
		if data, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", "")); err != nil {
			return nil, fmt.Errorf("invalid data %q: %w", args[1], err)
		}
	}

	var opts []frame.Option
	if v, _ := pf.GetBool("ext"); v || id > frame.MaxStdID {
		opts = append(opts, frame.WithExtended())
	}
	if v, _ := pf.GetBool("rtr"); v {
		opts = append(opts, frame.WithRTR())
	}
	if v, _ := pf.GetBool(flagFD); v || len(data) > frame.MaxClassicLen {
		opts = append(opts, frame.WithFD())
	}
	if v, _ := pf.GetBool("brs"); v {
		opts = append(opts, frame.WithBRS())
	}
	return frame.New(uint32(id), data, opts...)
}
