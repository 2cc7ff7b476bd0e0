package client

import (
	"context"

	"github.com/vmbusgo/client/internal/vmbus/codec"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
	"github.com/vmbusgo/client/internal/vmbus/synic"
)

// run is the single-threaded event loop: every piece of mutable state on
// Client is read and written only from this goroutine. It multiplexes four
// input sources: the inbound transport, whole-connection facade calls,
// per-channel requests fanned in from every live OfferInfo's forwarder,
// and lifecycle commands (Stop/Save/Restore/Resume).
func (c *Client) run(ctx context.Context) {
	defer close(c.loopDone)
	for {
		// Reaching a fully quiesced state (source drained to EOF after
		// Stop paused it) only signals whoever is waiting on Stop; it does
		// not end the loop. The loop keeps running so a later Start/Resume
		// can clear stopping/paused on the same goroutine instead of
		// racing a freshly spawned one against this one's shutdown.
		if c.stopping && c.paused && c.quiesceResp != nil {
			close(c.quiesceResp)
			c.quiesceResp = nil
		}
		if c.stopping {
			// While quiescing, only lifecycle commands and the inbound
			// drain are serviced. Caller and channel requests are not
			// polled at all — they wait in their channels until Resume —
			// so a stopped client never emits new protocol traffic.
			select {
			case <-ctx.Done():
				return
			case in := <-c.inbound:
				c.handleInbound(ctx, in)
			case req := <-c.lifecycleReq:
				c.handleLifecycleRequest(req)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case in := <-c.inbound:
			c.handleInbound(ctx, in)
		case req := <-c.lifecycleReq:
			c.handleLifecycleRequest(req)
		case req := <-c.facadeReq:
			c.handleFacadeRequest(ctx, req)
		case env := <-c.channelReq:
			c.handleChannelRequest(ctx, env)
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, in inboundMessage) {
	if in.err != nil {
		if in.err == synic.ErrClosed {
			if c.stopping {
				c.paused = true
				return
			}
			c.fatalf("message source closed unexpectedly")
			return
		}
		c.logger.Warn("vmbus: dropping unparsable message", "error", in.err)
		return
	}
	// Parsing happens here, on the event loop goroutine, because it needs
	// the negotiated (or still-being-attempted) protocol version, which
	// only this goroutine ever reads or writes. While negotiation is in
	// flight the attempted version governs which reply shapes are legal:
	// a Copper attempt must be able to parse VersionResponse2 before
	// c.version has been committed.
	ver := c.version.Version
	if c.attempt != nil {
		ver = c.attempt.version
	}
	msg, err := codec.Parse(in.data, ver)
	if err != nil {
		c.logger.Warn("vmbus: dropping unparsable message", "error", err)
		return
	}
	in.msg = msg
	if protocol.ClientOnlyMessageTypes[in.msg.MessageType()] {
		c.fatalf("received client-only message %v from host", in.msg.MessageType())
		return
	}
	switch m := in.msg.(type) {
	case protocol.VersionResponse:
		c.handleVersionResponse(ctx, protocol.VersionResponse2{VersionResponse: m})
	case protocol.VersionResponse2:
		c.handleVersionResponse(ctx, m)
	case protocol.OfferChannel:
		c.handleOffer(m)
	case protocol.RescindChannelOffer:
		c.handleRescind(ctx, m)
	case protocol.AllOffersDelivered:
		c.handleOffersDelivered()
	case protocol.GpadlCreated:
		c.handleGpadlCreated(m)
	case protocol.OpenResult:
		c.handleOpenResult(m)
	case protocol.GpadlTorndown:
		c.handleGpadlTorndown(m)
	case protocol.UnloadComplete:
		c.handleUnloadComplete()
	case protocol.ModifyConnectionResponse:
		c.handleModifyConnectionResponse(m)
	case protocol.ModifyChannelResponse:
		c.handleModifyChannelResponse(m)
	case protocol.TlConnectResult:
		c.handleTlConnectResult(m)
	case protocol.CloseReservedChannelResponse:
		c.fatalf("reserved channels are not implemented")
	default:
		c.fatalf("received unexpected message kind %v from host", in.msg.MessageType())
	}
}

func (c *Client) handleFacadeRequest(ctx context.Context, req facadeRequest) {
	switch {
	case req.connect != nil:
		c.handleConnect(ctx, req.connect)
	case req.requestOffers != nil:
		c.handleRequestOffers(ctx, req.requestOffers)
	case req.unload != nil:
		c.handleUnload(ctx, req.unload)
	case req.modify != nil:
		c.handleModifyConnection(ctx, req.modify)
	case req.connectHvsock != nil:
		c.handleConnectHvsockRequest(ctx, req.connectHvsock)
	}
}

func (c *Client) handleLifecycleRequest(req lifecycleRequest) {
	switch {
	case req.stop != nil:
		c.handleStop(req.stop)
	case req.restore != nil:
		c.handleRestore(req.restore)
	case req.save != nil:
		c.handleSave(req.save)
	case req.resume != nil:
		c.handleResume(req.resume)
	}
}

func (c *Client) handleChannelRequest(ctx context.Context, env channelEnvelope) {
	rec, ok := c.channels[env.id]
	if !ok {
		// The channel was rescinded between the forwarder reading the
		// request and it reaching the loop; OfferInfo's caller already
		// observed this via its revoked channel.
		return
	}
	switch {
	case env.req.Open != nil:
		c.handleOpenChannelRequest(ctx, rec, env.id, env.req.Open)
	case env.req.Close != nil:
		c.handleCloseChannelRequest(ctx, rec, env.id, env.req.Close)
	case env.req.CreateGpadl != nil:
		c.handleCreateGpadlRequest(ctx, rec, env.id, env.req.CreateGpadl)
	case env.req.TeardownGpadl != nil:
		c.handleTeardownGpadlRequest(ctx, env.req.TeardownGpadl)
	case env.req.ModifyChannel != nil:
		c.handleModifyChannelRequest(ctx, rec, env.id, env.req.ModifyChannel)
	}
}
