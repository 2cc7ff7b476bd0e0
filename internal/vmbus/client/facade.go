package client

import (
	"context"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// facadeRequest is the sum type of whole-connection caller operations
// accepted on Client.facadeReq. Exactly one field is set per request.
// These are only serviced while the pump is running; a request issued
// while quiesced waits in the channel until Resume.
type facadeRequest struct {
	connect       *connectRequest
	requestOffers *requestOffersRequest
	unload        *unloadRequest
	modify        *modifyConnectionRequest
	connectHvsock *connectHvsockRequest
}

// lifecycleRequest is the sum type of pump-control operations accepted on
// Client.lifecycleReq. Unlike facadeRequest these are serviced even while
// the pump is quiesced — Stop, Save, Restore, and Resume must work on a
// stopped client.
type lifecycleRequest struct {
	stop    *stopRequest
	restore *restoreRequest
	save    *saveRequest
	resume  *resumeRequest
}

type saveRequest struct {
	resp chan saveResult
}

type saveResult struct {
	state SavedState
	err   error
}

type connectRequest struct {
	params ConnectParams
	resp   chan connectResult
}

// ConnectParams carries everything InitiateContact needs beyond the
// client id fixed at construction time: the VP the host should post its
// messages to, the optional monitor page pair, and the target info packed
// into the interrupt-page field.
type ConnectParams struct {
	TargetMessageVP uint32
	MonitorPages    *protocol.MonitorPageGpas
	TargetInfo      protocol.TargetInfo
}

type connectResult struct {
	version protocol.VersionInfo
	err     error
}

type requestOffersRequest struct {
	resp chan requestOffersResult
}

type requestOffersResult struct {
	offers []*OfferInfo
	err    error
}

type unloadRequest struct {
	resp chan struct{}
}

type modifyConnectionRequest struct {
	pages protocol.MonitorPageGpas
	resp  chan error
}

type connectHvsockRequest struct {
	serviceID, endpointID protocol.Guid
	siloID                protocol.Guid
}

type stopRequest struct {
	resp chan struct{}
}

type resumeRequest struct {
	resp chan struct{}
}

type restoreRequest struct {
	state SavedState
	resp  chan error
}

// Connect negotiates a protocol version, walking SupportedVersions newest
// to oldest until the host accepts one or none remain (the latter is a
// fatal host-contract violation).
func (c *Client) Connect(ctx context.Context, params ConnectParams) (protocol.VersionInfo, error) {
	resp := make(chan connectResult, 1)
	req := facadeRequest{connect: &connectRequest{params: params, resp: resp}}
	select {
	case c.facadeReq <- req:
	case <-ctx.Done():
		return protocol.VersionInfo{}, ctx.Err()
	case <-c.loopDone:
		return protocol.VersionInfo{}, ErrStopped
	}
	select {
	case r := <-resp:
		return r.version, r.err
	case <-ctx.Done():
		return protocol.VersionInfo{}, ctx.Err()
	case <-c.loopDone:
		return protocol.VersionInfo{}, ErrStopped
	}
}

// RequestOffers asks the host to (re)enumerate channel offers and collects
// every OfferInfo delivered before AllOffersDelivered. Offers that arrive
// outside of a RequestOffers round (hot-add) are instead announced through
// the registered NotificationSink, never returned here. Returns
// ErrNotConnected (and no offers) if the connection was not Connected when
// called.
func (c *Client) RequestOffers(ctx context.Context) ([]*OfferInfo, error) {
	resp := make(chan requestOffersResult, 1)
	req := facadeRequest{requestOffers: &requestOffersRequest{resp: resp}}
	select {
	case c.facadeReq <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, ErrStopped
	}
	select {
	case r := <-resp:
		return r.offers, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, ErrStopped
	}
}

// Unload tells the host to tear down the connection and waits for
// UnloadComplete.
func (c *Client) Unload(ctx context.Context) error {
	resp := make(chan struct{}, 1)
	req := facadeRequest{unload: &unloadRequest{resp: resp}}
	select {
	case c.facadeReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
}

// ModifyConnection renegotiates the monitor pages. Unless the connection is
// Connected, FeatureModifyConnection was negotiated in Connect, and no
// other modify is in flight, the call is rejected locally with an error and
// nothing is sent to the host. A host rejection also surfaces as an error.
func (c *Client) ModifyConnection(ctx context.Context, pages protocol.MonitorPageGpas) error {
	resp := make(chan error, 1)
	req := facadeRequest{modify: &modifyConnectionRequest{pages: pages, resp: resp}}
	select {
	case c.facadeReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
}

// ConnectHvsock requests a host-loopback hvsock connection. The result
// arrives asynchronously through NotificationSink.HvsockConnectResult.
func (c *Client) ConnectHvsock(ctx context.Context, serviceID, endpointID, siloID protocol.Guid) error {
	req := facadeRequest{connectHvsock: &connectHvsockRequest{serviceID: serviceID, endpointID: endpointID, siloID: siloID}}
	select {
	case c.facadeReq <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
}

// Resume clears a quiesced pump established by Stop: it un-pauses inbound
// processing and resumes the message source, without re-negotiating the
// connection or re-announcing existing channels. Start calls this
// automatically on every call after the first.
func (c *Client) Resume(ctx context.Context) error {
	resp := make(chan struct{}, 1)
	req := lifecycleRequest{resume: &resumeRequest{resp: resp}}
	select {
	case c.lifecycleReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
}

// Save captures the client's current state for a subsequent Restore,
// typically across a servicing event. Save is synchronous with respect to
// the event loop: no request issued after Save begins is reflected in the
// snapshot.
func (c *Client) Save(ctx context.Context) (SavedState, error) {
	resp := make(chan saveResult, 1)
	select {
	case c.lifecycleReq <- lifecycleRequest{save: &saveRequest{resp: resp}}:
	case <-ctx.Done():
		return SavedState{}, ctx.Err()
	case <-c.loopDone:
		return SavedState{}, ErrStopped
	}
	select {
	case r := <-resp:
		return r.state, r.err
	case <-ctx.Done():
		return SavedState{}, ctx.Err()
	case <-c.loopDone:
		return SavedState{}, ErrStopped
	}
}

// Restore replaces the client's state with a previously saved snapshot.
// It is serviced by the event loop, so Start must have been called first;
// it returns ErrNotDisconnected unless the client is still in the
// disconnected state.
func (c *Client) Restore(ctx context.Context, state SavedState) error {
	resp := make(chan error, 1)
	req := lifecycleRequest{restore: &restoreRequest{state: state, resp: resp}}
	select {
	case c.lifecycleReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrStopped
	}
}
