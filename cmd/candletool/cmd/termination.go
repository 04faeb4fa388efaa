package cmd

import (
	"fmt"

	"github.com/gocandle/candle"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(terminationCmd)
	rootCmd.AddCommand(identifyCmd)
}

var terminationCmd = &cobra.Command{
	Use:       "termination [on|off]",
	Short:     "show or switch the 120 ohm bus terminator",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ch, done, err := selectedChannel(cmd)
		if err != nil {
			return err
		}
		defer done()
		if len(args) == 1 {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			if err := ch.SetTermination(ctx, on); err != nil {
				return err
			}
		}
		on, err := ch.Termination(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("termination %s\n", onOff(on))
		return nil
	},
}

var identifyCmd = &cobra.Command{
	Use:       "identify <on|off>",
	Short:     "blink the channel LED",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		ch, done, err := selectedChannel(cmd)
		if err != nil {
			return err
		}
		defer done()
		return ch.Identify(cmd.Context(), on)
	},
}

// selectedChannel opens the device and returns the channel without
// configuring it.
func selectedChannel(cmd *cobra.Command) (*candle.Channel, func(), error) {
	dev, done, err := openDevice(cmd)
	if err != nil {
		return nil, nil, err
	}
	index, _ := cmd.Flags().GetInt(flagChannel)
	ch, err := dev.Channel(index)
	if err != nil {
		done()
		return nil, nil, err
	}
	return ch, done, nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
