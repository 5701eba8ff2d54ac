package cmd

import (
	"fmt"

	"github.com/dynaman/canbus"
	"github.com/dynaman/canbus/backend"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a bus statistics snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		name, _ := flags.GetString(flagBackend)
		channel, _ := flags.GetInt(flagChannel)
		bitrate, _ := flags.GetFloat64(flagBitrate)

		be, err := backend.New(name, &canbus.Config{Channel: channel, BitRate: bitrate})
		if err != nil {
			return err
		}
		provider, ok := be.(canbus.StatisticsProvider)
		if !ok {
			return fmt.Errorf("backend %s does not report statistics", name)
		}
		if err := be.Open(cmd.Context()); err != nil {
			return err
		}
		defer be.Close()

		stats, err := provider.Statistics()
		if err != nil {
			return err
		}
		fmt.Println(stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
