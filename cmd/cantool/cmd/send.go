package cmd

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/dynaman/canbus"
	"github.com/spf13/cobra"
)

var sendExtended bool

var sendCmd = &cobra.Command{
	Use:   "send <id-hex> [payload-hex]",
	Short: "Send a single frame",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 16, 32)
		if err != nil {
			return err
		}
		var data []byte
		if len(args) == 2 {
			data, err = hex.DecodeString(args[1])
			if err != nil {
				return err
			}
		}
		var opts []canbus.FrameOption
		if sendExtended {
			opts = append(opts, canbus.Extended())
		}
		f, err := canbus.NewFrame(uint32(id), data, opts...)
		if err != nil {
			return err
		}

		bus, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		if err := bus.Write(f); err != nil {
			return err
		}
		// Give the writer a moment to drain before teardown.
		time.Sleep(200 * time.Millisecond)
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVarP(&sendExtended, "extended", "e", false, "send a 29-bit frame")
	rootCmd.AddCommand(sendCmd)
}
