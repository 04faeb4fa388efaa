package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/bar"
	"github.com/gocandle/candle/pkg/capture"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func init() {
	f := replayCmd.Flags()
	f.String("db", "", "sqlite file written by dump --db")
	f.String("session", "", "session id, prompt when empty")
	f.Bool("realtime", false, "keep the recorded gaps between frames")
	f.Bool("all", false, "also replay transmit echoes")
	replayCmd.MarkFlagRequired("db")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "send a recorded session back onto the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pf := cmd.Flags()
		path, _ := pf.GetString("db")
		store, err := capture.Open(ctx, path)
		if err != nil {
			return err
		}
		defer store.Close()

		id, _ := pf.GetString("session")
		sess, err := pickSession(cmd, store, id)
		if err != nil {
			return err
		}
		log.Printf("replaying %s: %d frames from %s at %d bit/s", sess.ID, sess.Frames, sess.Device, sess.Bitrate)

		if !pf.Changed(flagBitrate) {
			pf.Set(flagBitrate, fmt.Sprint(sess.Bitrate))
		}
		mode := modeFromFlags(cmd)
		if sess.DataBitrate > 0 {
			mode |= candle.ModeFD
			if !pf.Changed(flagDataBitrate) {
				pf.Set(flagDataBitrate, fmt.Sprint(sess.DataBitrate))
			}
		}
		_, ch, done, err := openChannel(cmd, mode)
		if err != nil {
			return err
		}
		defer done()

		all, _ := pf.GetBool("all")
		realtime, _ := pf.GetBool("realtime")
		progress := bar.New(int(sess.Frames), "replay")
		var (
			sent uint64
			last time.Time
		)
		err = store.Frames(ctx, sess.ID, func(r capture.Record) error {
			defer progress.Add(1)
			if !r.Frame.RX && !all {
				return nil
			}
			if realtime && !last.IsZero() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.At.Sub(last)):
				}
			}
			last = r.At
			f := r.Frame.Clone()
			f.RX = false
			if err := ch.Send(ctx, f, 0); err != nil {
				return fmt.Errorf("frame %d: %w", r.Seq, err)
			}
			sent++
			return nil
		})
		progress.Finish()
		fmt.Println()
		log.Printf("replayed %d frames", sent)
		return err
	},
}

func pickSession(cmd *cobra.Command, store *capture.Store, id string) (capture.Session, error) {
	ctx := cmd.Context()
	if id != "" {
		return store.Session(ctx, id)
	}
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return capture.Session{}, err
	}
	if len(sessions) == 0 {
		return capture.Session{}, errors.New("no recorded sessions")
	}
	if len(sessions) == 1 {
		return sessions[0], nil
	}
	items := make([]string, len(sessions))
	for i, s := range sessions {
		items[i] = fmt.Sprintf("%s  %s  %d frames  %s", s.StartedAt.Local().Format(time.Stamp), s.ID, s.Frames, strings.TrimSpace(s.Device))
	}
	prompt := promptui.Select{
		Label: "Select session",
		Items: items,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return capture.Session{}, fmt.Errorf("prompt failed %v", err)
	}
	return sessions[i], nil
}
