package client

import (
	"context"
	"sync"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// NotificationSink receives the events ClientFacade pushes to whatever
// consumes channel offers: a relay, a device bus, or (in this module) the
// reference internal/relay adapter. Implementations must not block for
// long; the event loop calls these synchronously between processing other
// sources.
type NotificationSink interface {
	// Offer is called once for each new channel offered outside a
	// RequestOffers round (hot-add) and once for each channel re-exposed by
	// Restore. Offers arriving during a RequestOffers round are returned by
	// RequestOffers instead, and a duplicate OfferChannel for a known
	// channel id only resets that channel's state and is not announced.
	Offer(info *OfferInfo)
	// Revoke is called when a channel is rescinded, after its GPADLs have
	// been torn down and RelIdReleased has been posted. Requests still
	// queued for the channel are not processed.
	Revoke(id protocol.ChannelID)
	// HvsockConnectResult is called when the host answers a ConnectHvsock
	// request.
	HvsockConnectResult(serviceID, endpointID protocol.Guid, status int32)
}

// OfferInfo is the handle a NotificationSink (or a direct facade caller)
// uses to act on one offered channel: open/close it, request or tear down
// GPADLs, and observe revocation.
type OfferInfo struct {
	Offer protocol.OfferChannel

	requests chan ChannelRequest
	revoked  chan struct{}
	released chan struct{}

	releaseOnce sync.Once
}

// ChannelRequest is the sum type of operations an OfferInfo holder can
// issue against its channel. Exactly one of the Open/Close/CreateGpadl/
// TeardownGpadl/ModifyChannel fields is set.
type ChannelRequest struct {
	Open          *openChannelRequest
	Close         *closeChannelRequest
	CreateGpadl   *createGpadlRequest
	TeardownGpadl *teardownGpadlRequest
	ModifyChannel *modifyChannelRequest
}

type openChannelRequest struct {
	ringGpadl    protocol.GpadlID
	targetVP     uint32
	ringOffset   uint32
	connectionID uint32
	eventFlag    uint16
	flags        protocol.OpenChannelFlags
	userData     [120]byte
	resp         chan error
}

type closeChannelRequest struct {
	resp chan struct{}
	// synthetic marks a Close the event loop generated on the caller's
	// behalf (device removal) rather than one the caller issued directly
	// through Close.
	synthetic bool
}

type createGpadlRequest struct {
	gpadlID protocol.GpadlID
	count   uint16
	pfns    []uint64
	resp    chan error
}

type teardownGpadlRequest struct {
	gpadlID protocol.GpadlID
	resp    chan error
}

type modifyChannelRequest struct {
	targetVP uint32
	resp     chan error
}

// OpenParams carries everything an OpenChannel message needs from the
// caller. ConnectionID, EventFlag, and Flags only reach the wire when the
// negotiated features admit OpenChannel2; without those features EventFlag
// must equal the channel id (the host signals nothing else).
type OpenParams struct {
	RingGpadlID  protocol.GpadlID
	TargetVP     uint32
	RingOffset   uint32
	ConnectionID uint32
	EventFlag    uint16
	Flags        protocol.OpenChannelFlags
	UserData     [120]byte
}

// Open sends an OpenChannel request and blocks for the host's OpenResult.
func (o *OfferInfo) Open(ctx context.Context, params OpenParams) error {
	resp := make(chan error, 1)
	req := ChannelRequest{Open: &openChannelRequest{
		ringGpadl: params.RingGpadlID, targetVP: params.TargetVP, ringOffset: params.RingOffset,
		connectionID: params.ConnectionID, eventFlag: params.EventFlag, flags: params.Flags,
		userData: params.UserData, resp: resp,
	}}
	return sendChannelRequest(ctx, o, req, resp)
}

// Close sends a CloseChannel request and waits for it to be acknowledged
// locally (VMBus defines no host response to CloseChannel).
func (o *OfferInfo) Close(ctx context.Context) error {
	resp := make(chan struct{}, 1)
	req := ChannelRequest{Close: &closeChannelRequest{resp: resp}}
	select {
	case o.requests <- req:
	case <-o.revoked:
		return ErrUnknownChannel
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-resp:
		return nil
	case <-o.revoked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateGpadl requests a new GPADL backed by pfns and waits for
// GpadlCreated. count is the PFN-range count carried in the header, which
// a multi-page range makes smaller than len(pfns).
func (o *OfferInfo) CreateGpadl(ctx context.Context, gpadlID protocol.GpadlID, count uint16, pfns []uint64) error {
	resp := make(chan error, 1)
	req := ChannelRequest{CreateGpadl: &createGpadlRequest{gpadlID: gpadlID, count: count, pfns: pfns, resp: resp}}
	return sendChannelRequest(ctx, o, req, resp)
}

// TeardownGpadl tears down a previously created GPADL and waits for
// GpadlTorndown.
func (o *OfferInfo) TeardownGpadl(ctx context.Context, gpadlID protocol.GpadlID) error {
	resp := make(chan error, 1)
	req := ChannelRequest{TeardownGpadl: &teardownGpadlRequest{gpadlID: gpadlID, resp: resp}}
	return sendChannelRequest(ctx, o, req, resp)
}

// ModifyChannel retargets the channel's interrupt delivery to a different
// virtual processor and waits for the host's ModifyChannelResponse. At
// most one modify may be in flight per channel; the host correlates the
// response by channel id alone.
func (o *OfferInfo) ModifyChannel(ctx context.Context, targetVP uint32) error {
	resp := make(chan error, 1)
	req := ChannelRequest{ModifyChannel: &modifyChannelRequest{targetVP: targetVP, resp: resp}}
	return sendChannelRequest(ctx, o, req, resp)
}

// Revoked returns a channel closed once this offer has been rescinded.
func (o *OfferInfo) Revoked() <-chan struct{} { return o.revoked }

// Release signals that the caller is done with this channel handle. If
// the channel is still Opened at this point, the event loop synthesizes a
// Close on the caller's behalf and logs a warning. Safe to call more than
// once or after the channel was already revoked.
func (o *OfferInfo) Release() {
	o.releaseOnce.Do(func() {
		select {
		case <-o.revoked:
		default:
			close(o.released)
		}
	})
}

// FanoutSink broadcasts every notification to each of Sinks in order. It
// lets the harness wire more than one NotificationSink (e.g. a relay
// publisher and a diagnostics stream) to the same Client.
type FanoutSink struct {
	Sinks []NotificationSink
}

var _ NotificationSink = FanoutSink{}

func (f FanoutSink) Offer(info *OfferInfo) {
	for _, s := range f.Sinks {
		s.Offer(info)
	}
}

func (f FanoutSink) Revoke(id protocol.ChannelID) {
	for _, s := range f.Sinks {
		s.Revoke(id)
	}
}

func (f FanoutSink) HvsockConnectResult(serviceID, endpointID protocol.Guid, status int32) {
	for _, s := range f.Sinks {
		s.HvsockConnectResult(serviceID, endpointID, status)
	}
}

func sendChannelRequest(ctx context.Context, o *OfferInfo, req ChannelRequest, resp chan error) error {
	select {
	case o.requests <- req:
	case <-o.revoked:
		return ErrUnknownChannel
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-o.revoked:
		return ErrUnknownChannel
	case <-ctx.Done():
		return ctx.Err()
	}
}
