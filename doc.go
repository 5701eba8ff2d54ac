// Package canbus provides a hardware abstraction layer for CAN buses.
//
// A Bus pairs a Backend (the device specific transport) with a pair of
// worker goroutines that pump frames between the device and the
// application. Received frames are fanned out to registered Listeners
// and buffered for blocking Recv calls, transmits are queued and
// drained by a dedicated writer so Write never blocks on the wire.
//
// Backends for socketcand, SocketCAN, SLCan adapters and Kvaser
// hardware live in the backend subpackage.
package canbus
