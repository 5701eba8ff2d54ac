package cmd

import (
	"context"
	"log"
	"strings"

	"github.com/dynaman/canbus"
	"github.com/dynaman/canbus/backend"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "cantool",
	Short:        "CAN bus swiss army tool",
	Long:         `Monitor, send and replay CAN frames over any supported backend`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	rootCmd.ExecuteContext(ctx)
}

const (
	flagBackend  = "backend"
	flagAddr     = "addr"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagChannel  = "channel"
	flagBitrate  = "bitrate"
	flagDebug    = "debug"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagBackend, "B", "loopback", "backend to use: "+strings.Join(backend.List(), ", "))
	pf.String(flagAddr, "localhost:29536", "socketcand daemon address")
	pf.StringP(flagPort, "p", "", "serial port or CAN interface name")
	pf.IntP(flagBaudrate, "b", 115200, "serial baudrate")
	pf.IntP(flagChannel, "c", 0, "channel number")
	pf.Float64P(flagBitrate, "r", 500, "CAN bit-rate in kbit/s")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}

// openBus builds a bus from the persistent flags and starts it.
func openBus(cmd *cobra.Command) (*canbus.Bus, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString(flagBackend)
	addr, _ := flags.GetString(flagAddr)
	port, _ := flags.GetString(flagPort)
	baudrate, _ := flags.GetInt(flagBaudrate)
	channel, _ := flags.GetInt(flagChannel)
	bitrate, _ := flags.GetFloat64(flagBitrate)
	debug, _ := flags.GetBool(flagDebug)

	cfg := &canbus.Config{
		Addr:         addr,
		Port:         port,
		PortBaudrate: baudrate,
		Channel:      channel,
		BitRate:      bitrate,
		Debug:        debug,
		OnMessage: func(msg string) {
			log.Println(msg)
		},
	}
	be, err := backend.New(name, cfg)
	if err != nil {
		return nil, err
	}
	bus := canbus.NewBus(be)
	if err := bus.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return bus, nil
}
