package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/gocandle/candle"
	"github.com/spf13/cobra"
)

func init() {
	stateCmd.Flags().Duration("watch", 0, "poll the state at this interval until interrupted")
	rootCmd.AddCommand(stateCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "print the controller error state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ch, done, err := selectedChannel(cmd)
		if err != nil {
			return err
		}
		defer done()
		watch, _ := cmd.Flags().GetDuration("watch")

		for {
			st, err := ch.State(ctx)
			if err != nil {
				return err
			}
			fmt.Println(stateColor(st.BusState).Sprint(st))
			if watch <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watch):
			}
		}
	},
}

func stateColor(s candle.BusState) *color.Color {
	switch s {
	case candle.BusStateErrorActive:
		return color.New(color.FgGreen)
	case candle.BusStateErrorWarning:
		return color.New(color.FgYellow)
	case candle.BusStateErrorPassive, candle.BusStateBusOff:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}
