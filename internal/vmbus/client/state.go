package client

import "github.com/vmbusgo/client/internal/vmbus/protocol"

// connectionState tracks the connection-level state machine.
type connectionState int

const (
	connectionDisconnected connectionState = iota
	connectionNegotiating
	connectionConnected
	connectionRequestingOffers
	connectionDisconnecting
)

func (s connectionState) String() string {
	switch s {
	case connectionDisconnected:
		return "disconnected"
	case connectionNegotiating:
		return "negotiating"
	case connectionConnected:
		return "connected"
	case connectionRequestingOffers:
		return "requesting_offers"
	case connectionDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// channelState tracks a single channel's sub-state machine.
type channelState int

const (
	channelOffered channelState = iota
	channelOpening
	channelOpened
	channelClosing
	channelRevoked
)

func (s channelState) String() string {
	switch s {
	case channelOffered:
		return "offered"
	case channelOpening:
		return "opening"
	case channelOpened:
		return "opened"
	case channelClosing:
		return "closing"
	case channelRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// gpadlState tracks a single GPADL's sub-state machine.
type gpadlState int

const (
	gpadlOffered gpadlState = iota
	gpadlCreated
	gpadlTearingDown
)

func (s gpadlState) String() string {
	switch s {
	case gpadlOffered:
		return "offered"
	case gpadlCreated:
		return "created"
	case gpadlTearingDown:
		return "tearing_down"
	default:
		return "unknown"
	}
}

// channelRecord is the registry entry for one offered channel. Every field
// is owned exclusively by the event loop goroutine; nothing outside it
// mutates a channelRecord directly.
type channelRecord struct {
	offer   protocol.OfferChannel
	state   channelState
	openID  uint32
	gpadls  map[protocol.GpadlID]struct{}

	// done is closed when the record is removed (on rescind), signaling the
	// per-channel forwarder goroutine to exit.
	done chan struct{}
	// released is closed when the caller drops its OfferInfo handle (via
	// Release), signaling the forwarder to synthesize a Close if the
	// channel is still Opened (device removal).
	released chan struct{}
	// requests is the per-channel inbound request stream the forwarder
	// relays into the event loop's shared channelReq channel.
	requests chan ChannelRequest

	pendingOpen   chan error
	pendingClose  chan struct{}
	pendingModify chan error
}

// gpadlRecord is the registry entry for one GPADL.
type gpadlRecord struct {
	channelID protocol.ChannelID
	state     gpadlState
	count     uint16
	pfns      []uint64

	pendingCreate   chan error
	pendingTeardown chan error
}
