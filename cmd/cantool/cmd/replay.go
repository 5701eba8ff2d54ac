package cmd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dynaman/canbus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var replayDelay time.Duration

var replayCmd = &cobra.Command{
	Use:   "replay <logfile>",
	Short: "Resend the frames of a CSV capture",
	Long:  `Reads a capture produced by the CSV listener (timestamp,id,flags,dlc,data) and transmits every frame in order`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frames, err := loadCapture(args[0])
		if err != nil {
			return err
		}
		bus, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		bar := progressbar.Default(int64(len(frames)), "replaying")
		for _, f := range frames {
			if err := bus.Write(f); err != nil {
				return err
			}
			bar.Add(1)
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(replayDelay):
			}
		}
		// Let the writer drain before teardown.
		time.Sleep(200 * time.Millisecond)
		return nil
	},
}

func init() {
	replayCmd.Flags().DurationVar(&replayDelay, "delay", 10*time.Millisecond, "delay between frames")
	rootCmd.AddCommand(replayCmd)
}

func loadCapture(path string) ([]*canbus.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var frames []*canbus.Frame
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		row := strings.TrimSpace(scanner.Text())
		if row == "" || strings.HasPrefix(row, "timestamp") {
			continue
		}
		fields := strings.Split(row, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s:%d: expected 5 fields, got %d", path, line, len(fields))
		}
		id, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad id: %w", path, line, err)
		}
		flags, err := strconv.ParseUint(fields[2], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad flags: %w", path, line, err)
		}
		data, err := hex.DecodeString(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad payload: %w", path, line, err)
		}
		f, err := canbus.NewFrame(uint32(id), data, canbus.WithFlags(uint16(flags)))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
