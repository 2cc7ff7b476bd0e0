package client

import (
	"context"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// spawnForwarder starts the stateless goroutine that relays requests made
// against one OfferInfo into the event loop's shared channelReq channel.
// It exits as soon as rec.done is closed (the channel was rescinded) or
// rec.released is closed (the caller dropped its OfferInfo handle via
// Release, triggering device removal) — the only two ways a per-channel
// goroutine in this package ever terminates. There is no polling, and no
// lock is shared with run().
func (c *Client) spawnForwarder(id protocol.ChannelID, rec *channelRecord) {
	go func() {
		for {
			select {
			case req := <-rec.requests:
				select {
				case c.channelReq <- channelEnvelope{id: id, req: req}:
				case <-rec.done:
					return
				}
			case <-rec.released:
				resp := make(chan struct{}, 1)
				select {
				case c.channelReq <- channelEnvelope{id: id, req: ChannelRequest{Close: &closeChannelRequest{resp: resp, synthetic: true}}}:
				case <-rec.done:
				}
				return
			case <-rec.done:
				return
			}
		}
	}()
}

func (c *Client) handleOpenChannelRequest(ctx context.Context, rec *channelRecord, id protocol.ChannelID, req *openChannelRequest) {
	if rec.state != channelOffered {
		req.resp <- errWrongChannelState{have: rec.state, want: channelOffered}
		return
	}
	rec.state = channelOpening
	rec.openID++
	rec.pendingOpen = req.resp

	base := protocol.OpenChannel{
		ChannelID:                      id,
		OpenID:                         rec.openID,
		RingBufferGpadlID:              req.ringGpadl,
		TargetVP:                       req.targetVP,
		DownstreamRingBufferPageOffset: req.ringOffset,
		UserData:                       req.userData,
	}
	useOpenChannel2 := c.version.Version >= protocol.VersionCopper &&
		(c.version.FeatureFlags.Has(protocol.FeatureGuestSpecifiedSignalParameters) ||
			c.version.FeatureFlags.Has(protocol.FeatureChannelInterruptRedirection))
	if useOpenChannel2 {
		c.postMessage(ctx, protocol.OpenChannel2{
			OpenChannel:  base,
			ConnectionID: req.connectionID,
			EventFlag:    req.eventFlag,
			Flags:        req.flags,
		})
		return
	}
	if req.eventFlag != uint16(id) {
		// Without either feature negotiated there is no way to tell the
		// host to signal anything but the channel's own event flag, so a
		// guest event flag that diverges from the channel id cannot be
		// honored: the host would signal the wrong channel.
		c.fatalf("event flag %d does not match channel id %d without interrupt redirection", req.eventFlag, id)
		return
	}
	c.postMessage(ctx, base)
}

func (c *Client) handleCloseChannelRequest(ctx context.Context, rec *channelRecord, id protocol.ChannelID, req *closeChannelRequest) {
	if rec.state != channelOpened {
		close(req.resp)
		return
	}
	if req.synthetic {
		c.logger.Warn("vmbus: caller dropped channel handle while open, synthesizing close", "channel_id", id)
	}
	rec.state = channelClosing
	c.postMessage(ctx, protocol.CloseChannel{ChannelID: id})
	rec.state = channelOffered
	close(req.resp)
}

type errWrongChannelState struct {
	have, want channelState
}

func (e errWrongChannelState) Error() string {
	return "channel is " + e.have.String() + ", not " + e.want.String()
}
