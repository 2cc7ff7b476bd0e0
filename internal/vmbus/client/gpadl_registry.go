package client

import (
	"context"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

func (c *Client) handleCreateGpadlRequest(ctx context.Context, rec *channelRecord, id protocol.ChannelID, req *createGpadlRequest) {
	if _, exists := c.gpadls[req.gpadlID]; exists {
		// A reused gpadl id while the old one is still tracked means the
		// caller (or a restored snapshot) has lost track of its own
		// allocation; the host has no way to tell the two apart either.
		c.fatalf("duplicate gpadl id %d", req.gpadlID)
		return
	}
	g := &gpadlRecord{
		channelID:     id,
		state:         gpadlOffered,
		count:         req.count,
		pfns:          req.pfns,
		pendingCreate: req.resp,
	}
	c.gpadls[req.gpadlID] = g
	rec.gpadls[req.gpadlID] = struct{}{}
	c.sendGpadlCreate(ctx, id, req.gpadlID, req.count, req.pfns)
}

// sendGpadlCreate frames the PFN list as one GpadlHeader followed by as
// many GpadlBody chunks as needed, per MaxHeaderValues/MaxBodyValues.
// count is the caller's range count; Len is the byte length of the value
// array itself.
func (c *Client) sendGpadlCreate(ctx context.Context, channelID protocol.ChannelID, gpadlID protocol.GpadlID, count uint16, pfns []uint64) {
	headerCount := len(pfns)
	if headerCount > protocol.MaxHeaderValues {
		headerCount = protocol.MaxHeaderValues
	}
	c.postMessage(ctx, protocol.GpadlHeader{
		ChannelID: channelID,
		GpadlID:   gpadlID,
		Len:       uint16(len(pfns) * 8),
		Count:     count,
		Values:    pfns[:headerCount],
	})
	remaining := pfns[headerCount:]
	for len(remaining) > 0 {
		n := len(remaining)
		if n > protocol.MaxBodyValues {
			n = protocol.MaxBodyValues
		}
		c.postMessage(ctx, protocol.GpadlBody{GpadlID: gpadlID, Values: remaining[:n]})
		remaining = remaining[n:]
	}
}

func (c *Client) handleTeardownGpadlRequest(ctx context.Context, req *teardownGpadlRequest) {
	g, ok := c.gpadls[req.gpadlID]
	if !ok {
		req.resp <- ErrUnknownGpadl
		return
	}
	if g.state == gpadlTearingDown {
		req.resp <- ErrGpadlTearingDown
		return
	}
	if _, exists := c.teardownGpadls[req.gpadlID]; exists {
		// The caller contract guarantees uniqueness: a TeardownGpadl
		// request never names an id already being torn down by some
		// other path.
		c.fatalf("duplicate teardown for gpadl %d", req.gpadlID)
		return
	}
	g.state = gpadlTearingDown
	g.pendingTeardown = req.resp
	channelID := g.channelID
	c.teardownGpadls[req.gpadlID] = &channelID
	c.postMessage(ctx, protocol.GpadlTeardown{ChannelID: g.channelID, GpadlID: req.gpadlID})
}
