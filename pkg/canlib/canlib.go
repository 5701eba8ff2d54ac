// Package canlib defines the capability surface of the vendor CAN
// driver as consumed by the kvaser backend. The real cgo bindings are
// an external collaborator; this package only carries the contract, the
// status codes and the wire-level constants, so the backend can be
// exercised against any implementation, including the in-memory fakes
// used by its tests.
package canlib

// Open flags for OpenChannel.
const (
	OPEN_EXCLUSIVE        OpenFlag = 0x8  // Exclusive access
	OPEN_REQUIRE_EXTENDED OpenFlag = 0x10 // Fail if can't use extended mode
	OPEN_ACCEPT_VIRTUAL   OpenFlag = 0x20 // Allow use of virtual CAN

	// FLAGS_MASK covers every flag a caller may legally pass.
	FLAGS_MASK OpenFlag = OPEN_EXCLUSIVE | OPEN_REQUIRE_EXTENDED | OPEN_ACCEPT_VIRTUAL
)

type OpenFlag uint32

// Message flags reported by Read and accepted by Write.
const (
	MSG_RTR         MsgFlag = 0x01
	MSG_STD         MsgFlag = 0x02
	MSG_EXT         MsgFlag = 0x04
	MSG_ERROR_FRAME MsgFlag = 0x20
)

type MsgFlag uint32

// Driver output control modes.
const (
	DRIVER_OFF    DriverType = 0x00
	DRIVER_SILENT DriverType = 0x01
	DRIVER_NORMAL DriverType = 0x04
)

type DriverType uint32

// Notification directions for SetNotifyCallback.
const (
	NOTIFY_RX NotifyFlag = 0x01
	NOTIFY_TX NotifyFlag = 0x02
)

type NotifyFlag uint32

// TimerTicksPerSecond is the resolution of driver timestamps.
const TimerTicksPerSecond = 1_000_000

// CANMessage is one record pulled from the driver receive buffer.
type CANMessage struct {
	Identifier uint32
	Data       []byte
	Dlc        uint32
	Flags      MsgFlag
	// Time is in driver timer ticks since the driver clock started.
	Time int64
}

// BusStatistics mirrors the driver counter block. BusLoad is in raw
// driver units, 0-100 for an idle-to-saturated bus.
type BusStatistics struct {
	StdData   uint32
	StdRemote uint32
	ExtData   uint32
	ExtRemote uint32
	ErrFrame  uint32
	BusLoad   uint32
	Overruns  uint32
}

// NotifyCallback is invoked by the driver on its own thread when the
// registered direction has work pending. Implementations must not call
// back into the driver from the callback.
type NotifyCallback func()

// Driver is the entry point of a canlib implementation.
type Driver interface {
	// GetNumberOfChannels reports how many physical channels exist.
	GetNumberOfChannels() (int, error)
	// OpenChannel opens one channel with the given capability flags.
	// ErrNotFound means no hardware has all requested capabilities.
	OpenChannel(channel int, flags OpenFlag) (Handle, error)
}

// Handle is one open channel. All calls are serialized by the caller;
// the driver only promises safety for one in-flight call per direction.
type Handle interface {
	SetBusParams(freq int32, tseg1, tseg2, sjw, noSamp uint32) error
	BusParams() (freq int32, tseg1, tseg2, sjw, noSamp uint32, err error)
	SetBusOutputControl(driverType DriverType) error

	BusOn() error
	BusOff() error

	// Read pulls one buffered record; ErrNoMsg when the buffer is empty.
	Read() (*CANMessage, error)
	Write(identifier uint32, data []byte, dlc uint32, flags MsgFlag) error

	// ReadTimer samples the driver clock in timer ticks.
	ReadTimer() (int64, error)

	RequestBusStatistics() error
	BusStatistics() (*BusStatistics, error)

	SetNotifyCallback(cb NotifyCallback, flags NotifyFlag) error
	ClearNotifyCallback() error

	FlushReceiveQueue() error
	FlushTransmitQueue() error

	Close() error
}
