package canlib

import "fmt"

// Error is a driver status code. Codes follow the vendor convention:
// zero is OK, negatives are failures.
type Error struct {
	Code        int
	Description string
}

func (ke *Error) Error() string {
	return fmt.Sprintf("%v (%v)", ke.Description, ke.Code)
}

const (
	OK             = 0
	ERR_PARAM      = -1
	ERR_NOMSG      = -2
	ERR_NOTFOUND   = -3
	ERR_NOCHANNELS = -5
	ERR_TIMEOUT    = -7
	ERR_HARDWARE   = -15
)

var (
	ErrParam = &Error{Code: ERR_PARAM, Description: "error in parameter"}
	// ErrNoMsg means the receive buffer is empty, not a failure.
	ErrNoMsg = &Error{Code: ERR_NOMSG, Description: "no messages available"}
	// ErrNotFound means no hardware offers the requested capabilities;
	// callers map it to a configuration error, never a transient one.
	ErrNotFound   = &Error{Code: ERR_NOTFOUND, Description: "specified device not found"}
	ErrNoChannels = &Error{Code: ERR_NOCHANNELS, Description: "no channels available"}
	ErrTimeout    = &Error{Code: ERR_TIMEOUT, Description: "timeout occurred"}
	ErrHardware   = &Error{Code: ERR_HARDWARE, Description: "a hardware error was detected"}
)
