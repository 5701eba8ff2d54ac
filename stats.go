package canbus

import "fmt"

// BusStatistics is a point-in-time snapshot of driver counters. It is
// fetched on demand, not sampled continuously.
type BusStatistics struct {
	StdData     uint32
	StdRemote   uint32
	ExtData     uint32
	ExtRemote   uint32
	ErrorFrames uint32
	Overruns    uint32
	// BusLoad is a fraction in [0, 1].
	BusLoad float64
}

func (s BusStatistics) String() string {
	return fmt.Sprintf("std: %d/%d ext: %d/%d err: %d overruns: %d load: %.2f%%",
		s.StdData, s.StdRemote, s.ExtData, s.ExtRemote, s.ErrorFrames, s.Overruns, s.BusLoad*100)
}

// StatisticsProvider is implemented by backends that can report bus
// statistics, currently only the native driver backend.
type StatisticsProvider interface {
	Statistics() (*BusStatistics, error)
}
