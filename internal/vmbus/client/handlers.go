package client

import (
	"context"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// connectAttempt tracks the in-flight version-negotiation walk started by
// Connect. It lives only while connState == connectionNegotiating.
type connectAttempt struct {
	targetInfo protocol.TargetInfo
	version    protocol.Version
}

func (c *Client) handleConnect(ctx context.Context, req *connectRequest) {
	if c.connState != connectionDisconnected {
		req.resp <- connectResult{err: ErrNotConnected}
		return
	}
	c.connState = connectionNegotiating
	c.connectResp = req.resp
	c.targetMessageVP = req.params.TargetMessageVP
	if req.params.MonitorPages != nil {
		c.monitorPages = *req.params.MonitorPages
	} else {
		c.monitorPages = protocol.MonitorPageGpas{}
	}
	c.attempt = &connectAttempt{targetInfo: req.params.TargetInfo, version: protocol.NewestSupportedVersion()}
	c.sendInitiateContact(ctx)
}

func (c *Client) sendInitiateContact(ctx context.Context) {
	a := c.attempt
	targetInfo := a.targetInfo
	if a.version < protocol.VersionCopper {
		// Pre-Copper hosts only understand the legacy single-interrupt-page
		// field layout; feature flags are meaningless to them.
		targetInfo.FeatureFlags = 0
	}
	base := protocol.InitiateContact{
		VersionRequested:            uint32(a.version),
		TargetMessageVP:             c.targetMessageVP,
		InterruptPageOrTargetInfo:   targetInfo.AsUint64(),
		ParentToChildMonitorPageGpa: c.monitorPages.ParentToChild,
		ChildToParentMonitorPageGpa: c.monitorPages.ChildToParent,
	}
	if a.version >= protocol.VersionCopper {
		c.postMessage(ctx, protocol.InitiateContact2{InitiateContact: base, ClientID: c.clientID})
	} else {
		c.postMessage(ctx, base)
	}
}

func (c *Client) handleVersionResponse(ctx context.Context, m protocol.VersionResponse2) {
	if c.connState != connectionNegotiating || c.attempt == nil {
		c.fatalf("unexpected VersionResponse outside negotiation")
		return
	}
	if m.VersionSupported != 0 {
		if m.ConnectionState != protocol.ConnectionStateSuccessful {
			// The host claims to support this version yet reports a
			// non-successful connection state: the two fields disagree
			// and neither retry nor fallback is well-defined.
			c.fatalf("host reported version supported but connection state %v", m.ConnectionState)
			return
		}
		negotiated := protocol.VersionInfo{Version: c.attempt.version}
		if c.attempt.version >= protocol.VersionCopper {
			negotiated.FeatureFlags = protocol.FeatureFlagsAll.Intersect(protocol.FeatureFlags(m.SupportedFeatures))
		}
		c.version = negotiated
		c.connState = connectionConnected
		resp := c.connectResp
		c.connectResp = nil
		c.attempt = nil
		if resp != nil {
			resp <- connectResult{version: negotiated}
		}
		return
	}
	older, ok := protocol.NextOlderVersion(c.attempt.version)
	if !ok {
		c.connState = connectionDisconnected
		resp := c.connectResp
		c.connectResp = nil
		c.attempt = nil
		c.fatalf("host rejected every supported protocol version")
		if resp != nil {
			resp <- connectResult{err: ErrNotConnected}
		}
		return
	}
	c.attempt.version = older
	c.sendInitiateContact(ctx)
}

func (c *Client) handleRequestOffers(ctx context.Context, req *requestOffersRequest) {
	if c.connState != connectionConnected {
		req.resp <- requestOffersResult{err: ErrNotConnected}
		return
	}
	c.connState = connectionRequestingOffers
	c.requestOffersResp = req.resp
	c.pendingOffers = nil
	c.postMessage(ctx, protocol.RequestOffers{})
}

func (c *Client) handleOffersDelivered() {
	if c.connState != connectionRequestingOffers {
		c.logger.Warn("vmbus: AllOffersDelivered outside an offer round, ignoring", "state", c.connState)
		return
	}
	// AllOffersDelivered reverts the connection to Connected rather than
	// leaving it in a distinct post-enumeration state, so a later
	// RequestOffers call can start a fresh round.
	c.connState = connectionConnected
	resp := c.requestOffersResp
	offers := c.pendingOffers
	c.requestOffersResp = nil
	c.pendingOffers = nil
	if resp != nil {
		resp <- requestOffersResult{offers: offers}
	}
}

// handleOffer processes a host OfferChannel. A duplicate offer for a
// channel id already tracked resets its sub-state to offered without
// re-announcing it to the notification sink. A genuinely new offer is
// collected for the in-flight RequestOffers round if one is outstanding;
// otherwise it's a hot-add announced through the notification sink.
func (c *Client) handleOffer(m protocol.OfferChannel) {
	if rec, ok := c.channels[m.ChannelID]; ok {
		rec.offer = m
		rec.state = channelOffered
		return
	}
	rec := &channelRecord{
		offer:    m,
		state:    channelOffered,
		gpadls:   make(map[protocol.GpadlID]struct{}),
		done:     make(chan struct{}),
		released: make(chan struct{}),
		requests: make(chan ChannelRequest, 4),
	}
	c.channels[m.ChannelID] = rec
	info := &OfferInfo{Offer: m, requests: rec.requests, revoked: rec.done, released: rec.released}
	c.spawnForwarder(m.ChannelID, rec)
	if c.connState == connectionRequestingOffers {
		c.pendingOffers = append(c.pendingOffers, info)
	} else if c.notify != nil {
		c.notify.Offer(info)
	}
}

func (c *Client) handleRescind(ctx context.Context, m protocol.RescindChannelOffer) {
	rec, ok := c.channels[m.ChannelID]
	if !ok {
		c.logger.Warn("vmbus: rescind for unknown channel", "channel_id", m.ChannelID)
		return
	}
	for gid := range rec.gpadls {
		g := c.gpadls[gid]
		if g == nil {
			continue
		}
		if g.state == gpadlTearingDown {
			if g.pendingTeardown != nil {
				g.pendingTeardown <- nil
			}
		} else {
			c.postMessage(ctx, protocol.GpadlTeardown{ChannelID: m.ChannelID, GpadlID: gid})
			if g.pendingCreate != nil {
				g.pendingCreate <- ErrUnknownChannel
			}
		}
		// Record this id as torn-down-by-rescind (no owning channel) so
		// the host's eventual GpadlTorndown for it (which will still
		// arrive; the host never acknowledges a teardown for a channel
		// it's rescinding any differently) is silently swallowed instead
		// of logged as unknown.
		c.teardownGpadls[gid] = nil
		delete(c.gpadls, gid)
	}
	rec.state = channelRevoked
	delete(c.channels, m.ChannelID)
	close(rec.done)
	c.postMessage(ctx, protocol.RelIdReleased{ChannelID: m.ChannelID})
	if c.notify != nil {
		c.notify.Revoke(m.ChannelID)
	}
}

func (c *Client) handleGpadlCreated(m protocol.GpadlCreated) {
	g, ok := c.gpadls[m.GpadlID]
	if !ok {
		c.logger.Warn("vmbus: GpadlCreated for unknown gpadl", "gpadl_id", m.GpadlID)
		return
	}
	if g.state != gpadlOffered {
		c.logger.Warn("vmbus: GpadlCreated while not offered, dropping", "gpadl_id", m.GpadlID, "state", g.state)
		return
	}
	resp := g.pendingCreate
	g.pendingCreate = nil
	if m.Status != protocol.StatusSuccess {
		delete(c.gpadls, m.GpadlID)
		if rec := c.channels[g.channelID]; rec != nil {
			delete(rec.gpadls, m.GpadlID)
		}
		if resp != nil {
			resp <- &gpadlError{status: m.Status}
		}
		return
	}
	g.state = gpadlCreated
	if resp != nil {
		resp <- nil
	}
}

func (c *Client) handleGpadlTorndown(m protocol.GpadlTorndown) {
	origin, tracked := c.teardownGpadls[m.GpadlID]
	if !tracked {
		c.logger.Warn("vmbus: GpadlTorndown for unknown gpadl, dropping", "gpadl_id", m.GpadlID)
		return
	}
	delete(c.teardownGpadls, m.GpadlID)
	if origin == nil {
		// This id was torn down implicitly by a channel rescind (no
		// owning channel recorded). The host's GpadlTorndown for it is
		// expected and consumed silently.
		return
	}
	g, ok := c.gpadls[m.GpadlID]
	if !ok || g.state != gpadlTearingDown {
		c.logger.Warn("vmbus: GpadlTorndown while not tearing down, dropping", "gpadl_id", m.GpadlID)
		return
	}
	c.completeGpadlTeardown(m.GpadlID)
}

func (c *Client) completeGpadlTeardown(id protocol.GpadlID) {
	g := c.gpadls[id]
	if g == nil {
		return
	}
	resp := g.pendingTeardown
	g.pendingTeardown = nil
	if rec := c.channels[g.channelID]; rec != nil {
		delete(rec.gpadls, id)
	}
	delete(c.gpadls, id)
	if resp != nil {
		resp <- nil
	}
}

func (c *Client) handleOpenResult(m protocol.OpenResult) {
	rec, ok := c.channels[m.ChannelID]
	if !ok {
		c.logger.Warn("vmbus: OpenResult for unknown channel", "channel_id", m.ChannelID)
		return
	}
	if rec.state != channelOpening {
		c.logger.Warn("vmbus: OpenResult while not opening, ignoring", "channel_id", m.ChannelID, "state", rec.state)
		return
	}
	resp := rec.pendingOpen
	rec.pendingOpen = nil
	if m.Status != protocol.StatusSuccess {
		rec.state = channelOffered
		if resp != nil {
			resp <- &openError{status: m.Status}
		}
		return
	}
	rec.state = channelOpened
	if resp != nil {
		resp <- nil
	}
}

func (c *Client) handleUnload(ctx context.Context, req *unloadRequest) {
	if c.connState == connectionDisconnected || c.connState == connectionNegotiating {
		// No version has ever been negotiated: there is nothing for the
		// host to unload, and Unload is only admitted from a state that
		// has a negotiated version.
		close(req.resp)
		return
	}
	c.connState = connectionDisconnecting
	c.unloadResp = req.resp
	c.postMessage(ctx, protocol.Unload{})
}

func (c *Client) handleUnloadComplete() {
	resp := c.unloadResp
	c.unloadResp = nil
	c.connState = connectionDisconnected
	if resp != nil {
		close(resp)
	}
}

func (c *Client) handleModifyConnection(ctx context.Context, req *modifyConnectionRequest) {
	// Modify is permitted only when Connected, only when the
	// modify-connection feature was negotiated, and only when no modify
	// is already in flight; any other case replies FAILED_UNKNOWN_FAILURE
	// rather than overwriting (and thereby orphaning) a pending reply.
	if c.connState != connectionConnected ||
		!c.version.FeatureFlags.Has(protocol.FeatureModifyConnection) ||
		c.modifyResp != nil {
		req.resp <- errModifyConnectionUnavailable{}
		return
	}
	c.modifyResp = req.resp
	c.monitorPages = req.pages
	c.postMessage(ctx, protocol.ModifyConnection{
		ParentToChildMonitorPageGpa: req.pages.ParentToChild,
		ChildToParentMonitorPageGpa: req.pages.ChildToParent,
	})
}

func (c *Client) handleModifyConnectionResponse(m protocol.ModifyConnectionResponse) {
	resp := c.modifyResp
	c.modifyResp = nil
	var err error
	if m.ConnectionState != protocol.ConnectionStateSuccessful {
		err = &modifyConnectionError{state: m.ConnectionState}
	}
	if resp != nil {
		resp <- err
	}
}

func (c *Client) handleConnectHvsockRequest(ctx context.Context, req *connectHvsockRequest) {
	c.postMessage(ctx, protocol.TlConnectRequest2{
		ServiceID: req.serviceID, EndpointID: req.endpointID, SiloID: req.siloID,
	})
}

func (c *Client) handleTlConnectResult(m protocol.TlConnectResult) {
	if c.notify != nil {
		c.notify.HvsockConnectResult(m.ServiceID, m.EndpointID, m.Status)
	}
}

func (c *Client) handleModifyChannelRequest(ctx context.Context, rec *channelRecord, id protocol.ChannelID, req *modifyChannelRequest) {
	if rec.pendingModify != nil {
		// The host answers ModifyChannel by channel id alone, with no
		// per-request correlation token, so a second modify while one is
		// still outstanding would have its response misattributed to
		// whichever request happens to be waiting.
		c.fatalf("modify channel %d already in flight", id)
		return
	}
	rec.pendingModify = req.resp
	c.postMessage(ctx, protocol.ModifyChannel{ChannelID: id, TargetVP: req.targetVP})
}

func (c *Client) handleModifyChannelResponse(m protocol.ModifyChannelResponse) {
	rec, ok := c.channels[m.ChannelID]
	if !ok {
		c.logger.Warn("vmbus: ModifyChannelResponse for unknown channel", "channel_id", m.ChannelID)
		return
	}
	resp := rec.pendingModify
	rec.pendingModify = nil
	if resp == nil {
		c.logger.Warn("vmbus: unexpected ModifyChannelResponse", "channel_id", m.ChannelID)
		return
	}
	if m.Status != 0 {
		resp <- &modifyChannelError{status: m.Status}
		return
	}
	resp <- nil
}

func (c *Client) handleStop(req *stopRequest) {
	c.stopping = true
	c.quiesceResp = req.resp
	// Pausing the source obliges it to deliver whatever it already has
	// enqueued and then signal EOF. Each of those messages still flows
	// through handleInbound; paused is only set once the EOF arrives, so
	// the quiescence check at the top of run() fires after the drain, not
	// before it.
	c.source.Pause()
}

func (c *Client) handleResume(req *resumeRequest) {
	c.stopping = false
	c.paused = false
	c.quiesceResp = nil
	c.source.Resume()
	select {
	case c.resumed <- struct{}{}:
	default:
	}
	close(req.resp)
}

type gpadlError struct{ status uint32 }

func (e *gpadlError) Error() string { return "gpadl create rejected by host" }

type openError struct{ status uint32 }

func (e *openError) Error() string { return "channel open rejected by host" }

type modifyConnectionError struct{ state protocol.ConnectionState }

func (e *modifyConnectionError) Error() string { return "modify connection rejected by host" }

type modifyChannelError struct{ status int32 }

func (e *modifyChannelError) Error() string { return "modify channel rejected by host" }

// errModifyConnectionUnavailable is the FAILED_UNKNOWN_FAILURE rejection
// for a ModifyConnection call made when the connection isn't Connected,
// the feature wasn't negotiated, or a modify is already pending.
type errModifyConnectionUnavailable struct{}

func (e errModifyConnectionUnavailable) Error() string {
	return "modify connection unavailable: not connected, feature not negotiated, or already in flight"
}
