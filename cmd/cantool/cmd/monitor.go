package cmd

import (
	"fmt"
	"time"

	"github.com/dynaman/canbus"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Dump every received frame to the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		bl := canbus.NewBufferedListener(0)
		bus.AddListener(bl)

		ctx := cmd.Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-bus.Err():
				return err
			default:
			}
			f := bl.Get(200 * time.Millisecond)
			if f == nil {
				continue
			}
			fmt.Println(f.ColorString())
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
