// Package synic defines the boundary between the client engine and the
// underlying synthetic interrupt controller transport. Everything in this
// package is an interface: the ring/hypercall machinery that actually talks
// to the hypervisor is out of scope and lives in
// internal/vmbus/transport for a network-backed reference, or in a test's
// in-memory fake.
package synic

import "context"

// SynicClient posts outbound VMBus messages to the host over the synic
// connection identified by connectionID. messageType is the synic message
// kind (protocol.VmbusMessageKind for every VMBus post); the VMBus message
// type itself travels in the header at the start of body.
type SynicClient interface {
	PostMessage(ctx context.Context, connectionID uint32, messageType uint32, body []byte) error
}

// Message is a single inbound frame delivered by a MessageSource, still
// wire-encoded (message type + body), ready for codec.Parse.
type Message struct {
	Data []byte
}

// MessageSource delivers inbound VMBus messages one at a time. Recv blocks
// until a message arrives, the source has drained after Pause, or ctx is
// canceled. A MessageSource that observes host-side EOF (the synic
// connection torn down from under it) returns ErrClosed — treated as a
// host-contract violation during normal operation, and a mundane shutdown
// signal only after Stop has quiesced the client.
type MessageSource interface {
	Recv(ctx context.Context) (Message, error)
	// Pause suspends delivery: Recv still returns every message already
	// enqueued, then returns ErrClosed until Resume.
	Pause()
	Resume()
}

// ErrClosed is returned by MessageSource.Recv once the underlying transport
// has stopped delivering messages: permanently on host-side EOF, or until
// Resume after a paused source has drained.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "synic: message source closed" }
