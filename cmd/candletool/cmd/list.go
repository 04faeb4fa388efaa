package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list attached adapters and their channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, release, err := listDevices(cmd)
		if err != nil {
			return err
		}
		defer release()
		if len(devs) == 0 {
			fmt.Println("no gs_usb adapters found")
			return nil
		}
		head := color.New(color.FgCyan, color.Bold).SprintfFunc()
		for i, d := range devs {
			fmt.Println(head("#%d %s", i, d))
			if !d.Configured() {
				fmt.Println(color.YellowString("  in use by another program"))
				continue
			}
			for c := 0; c < d.ChannelCount(); c++ {
				caps, err := d.Capabilities(c)
				if err != nil {
					return err
				}
				fmt.Printf("  channel %d: clock %d Hz\n", c, caps.ClockHz)
				fmt.Printf("    features: %s\n", caps.Features)
				fmt.Printf("    nominal:  %s\n", caps.Nominal)
				if !caps.Data.IsZero() {
					fmt.Printf("    data:     %s\n", caps.Data)
				}
			}
		}
		return nil
	},
}
