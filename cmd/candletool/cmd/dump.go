package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/capture"
	"github.com/spf13/cobra"
)

func init() {
	f := dumpCmd.Flags()
	f.String("db", "", "record frames into this sqlite file")
	f.Int("count", 0, "stop after this many frames, 0 = until interrupted")
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print (and record) frames seen on the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pf := cmd.Flags()
		mode := modeFromFlags(cmd)
		dev, ch, done, err := openChannel(cmd, mode)
		if err != nil {
			return err
		}
		defer done()

		var (
			store *capture.Store
			sess  capture.Session
		)
		if path, _ := pf.GetString("db"); path != "" {
			if store, err = capture.Open(ctx, path); err != nil {
				return err
			}
			defer store.Close()
			bitrate, _ := pf.GetUint32(flagBitrate)
			var dbitrate uint32
			if mode.Has(candle.ModeFD) {
				dbitrate, _ = pf.GetUint32(flagDataBitrate)
			}
			sess, err = store.NewSession(ctx, capture.Session{
				Device:      dev.String(),
				Channel:     ch.Index(),
				Bitrate:     bitrate,
				DataBitrate: dbitrate,
				Mode:        mode.String(),
			})
			if err != nil {
				return err
			}
			log.Printf("recording session %s to %s", sess.ID, path)
		}

		count, _ := pf.GetInt("count")
		var n int
		defer func() {
			log.Printf("%d frames, %d dropped", n, ch.Dropped())
		}()
		for count == 0 || n < count {
			f, err := ch.Receive(ctx, 0)
			switch {
			case err == nil:
			case candle.IsTimeout(err):
				continue
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return err
			}
			n++
			fmt.Println(f.ColorString())
			if store != nil {
				if err := store.Record(ctx, sess.ID, f); err != nil {
					return err
				}
			}
		}
		return nil
	},
}
