package cmd

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/bar"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/spf13/cobra"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

func init() {
	f := stressCmd.Flags()
	f.Int("frames", 10000, "frames to send")
	f.Int("rate", 0, "frames per second, 0 = as fast as possible")
	f.Uint32("id", 0x123, "identifier to send with")
	rootCmd.AddCommand(stressCmd)
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "send numbered frames in loopback and verify every echo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := cmd.Flags()
		total, _ := pf.GetInt("frames")
		rate, _ := pf.GetInt("rate")
		id, _ := pf.GetUint32("id")

		mode := modeFromFlags(cmd) | candle.ModeLoopBack
		_, ch, done, err := openChannel(cmd, mode)
		if err != nil {
			return err
		}
		defer done()

		rl := ratelimit.NewUnlimited()
		if rate > 0 {
			rl = ratelimit.New(rate)
		}
		var opts []frame.Option
		if mode.Has(candle.ModeFD) {
			opts = append(opts, frame.WithBRS())
		}

		var sent, received atomic.Uint64
		progress := bar.New(total, "stress")
		errg, ctx := errgroup.WithContext(cmd.Context())
		start := time.Now()

		errg.Go(func() error {
			payload := make([]byte, 8)
			for i := 0; i < total; i++ {
				rl.Take()
				binary.BigEndian.PutUint64(payload, uint64(i))
				f, err := frame.New(id, payload, opts...)
				if err != nil {
					return err
				}
				if err := ch.Send(ctx, f, 0); err != nil {
					return fmt.Errorf("frame %d: %w", i, err)
				}
				sent.Add(1)
			}
			return nil
		})

		errg.Go(func() error {
			var next uint64
			for next < uint64(total) {
				f, err := ch.Receive(ctx, 0)
				if candle.IsTimeout(err) && sent.Load() == next {
					// the limiter holds the sender back
					continue
				}
				if err != nil {
					return fmt.Errorf("after %d echoes: %w", next, err)
				}
				if f.RX || f.ID != id || len(f.Data) < 8 {
					continue
				}
				if seq := binary.BigEndian.Uint64(f.Data); seq != next {
					return fmt.Errorf("echo %d out of order, expected %d", seq, next)
				}
				next++
				received.Add(1)
				progress.Add(1)
				if next%256 == 0 {
					bar.Describe(progress, sent.Load(), received.Load(), ch.Dropped())
				}
			}
			return nil
		})

		err = errg.Wait()
		bar.Describe(progress, sent.Load(), received.Load(), ch.Dropped())
		progress.Finish()
		fmt.Println()
		elapsed := time.Since(start)
		log.Printf("sent %d, echoed %d in %s (%.0f frames/s), dropped %d",
			sent.Load(), received.Load(), elapsed.Round(time.Millisecond),
			float64(received.Load())/elapsed.Seconds(), ch.Dropped())
		return err
	},
}
