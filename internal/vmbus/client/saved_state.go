package client

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// SavedState is a point-in-time snapshot of a connected Client suitable for
// Restore on a freshly constructed Client, as part of a servicing event
// that replaces the process without tearing down the guest's VMBus
// connection.
type SavedState struct {
	Version         protocol.VersionInfo
	ClientID        protocol.Guid
	TargetMessageVP uint32
	MonitorPages    protocol.MonitorPageGpas
	Channels        []SavedChannel
	Gpadls          []SavedGpadl
}

// SavedChannel is one channel's persisted state.
type SavedChannel struct {
	Offer protocol.OfferChannel
	Open  bool
}

// SavedGpadlState is a GPADL sub-state as persisted in a SavedState,
// mirroring the runtime gpadlState machine.
type SavedGpadlState int

const (
	SavedGpadlOffered SavedGpadlState = iota
	SavedGpadlCreated
	SavedGpadlTearingDown
)

// SavedGpadl is one GPADL's persisted state. A GPADL whose creation or
// teardown was still in flight at save time is restored into that same
// sub-state; the host's eventual reply completes the transition, though
// the original requester's reply sink is gone (send-to-dropped is a
// no-op).
type SavedGpadl struct {
	ChannelID protocol.ChannelID
	GpadlID   protocol.GpadlID
	Count     uint16
	Pfns      []uint64
	State     SavedGpadlState
}

func (c *Client) handleSave(req *saveRequest) {
	state := SavedState{
		Version:         c.version,
		ClientID:        c.clientID,
		TargetMessageVP: c.targetMessageVP,
		MonitorPages:    c.monitorPages,
	}
	for _, rec := range c.channels {
		state.Channels = append(state.Channels, SavedChannel{
			Offer: rec.offer,
			Open:  rec.state == channelOpened,
		})
	}
	for id, g := range c.gpadls {
		state.Gpadls = append(state.Gpadls, SavedGpadl{
			ChannelID: g.channelID,
			GpadlID:   id,
			Count:     g.count,
			Pfns:      g.pfns,
			State:     savedGpadlState(g.state),
		})
	}
	// Map iteration order is randomized; a snapshot taken twice from the
	// same state must compare equal, so both tables are sorted by id.
	sort.Slice(state.Channels, func(i, j int) bool {
		return state.Channels[i].Offer.ChannelID < state.Channels[j].Offer.ChannelID
	})
	sort.Slice(state.Gpadls, func(i, j int) bool {
		return state.Gpadls[i].GpadlID < state.Gpadls[j].GpadlID
	})
	req.resp <- saveResult{state: state}
}

// handleRestore validates the snapshot (concurrently per entry, via an
// errgroup-style fan-out for independent checks) and, only if every entry
// is valid, applies it as the client's new state.
func (c *Client) handleRestore(req *restoreRequest) {
	if c.connState != connectionDisconnected {
		req.resp <- ErrNotDisconnected
		return
	}
	s := req.state
	if !supportedVersion(s.Version.Version) {
		req.resp <- &RestoreError{Kind: RestoreErrorUnsupportedVersion, ID: uint32(s.Version.Version)}
		return
	}
	if s.Version.FeatureFlags&^protocol.FeatureFlagsAll != 0 {
		req.resp <- &RestoreError{Kind: RestoreErrorUnsupportedFeatureFlags, ID: uint32(s.Version.FeatureFlags)}
		return
	}

	seenChannels := make(map[protocol.ChannelID]bool, len(s.Channels))
	seenGpadls := make(map[protocol.GpadlID]bool, len(s.Gpadls))

	g, _ := errgroup.WithContext(context.Background())
	for _, ch := range s.Channels {
		ch := ch
		if seenChannels[ch.Offer.ChannelID] {
			req.resp <- &RestoreError{Kind: RestoreErrorDuplicateChannelID, ID: uint32(ch.Offer.ChannelID)}
			return
		}
		seenChannels[ch.Offer.ChannelID] = true
		g.Go(func() error { return validateSavedChannel(ch) })
	}
	for _, gp := range s.Gpadls {
		gp := gp
		if seenGpadls[gp.GpadlID] {
			req.resp <- &RestoreError{Kind: RestoreErrorDuplicateGpadlID, ID: uint32(gp.GpadlID)}
			return
		}
		seenGpadls[gp.GpadlID] = true
		g.Go(func() error { return validateSavedGpadl(gp) })
	}
	if err := g.Wait(); err != nil {
		req.resp <- err
		return
	}

	c.version = s.Version
	c.clientID = s.ClientID
	c.targetMessageVP = s.TargetMessageVP
	c.monitorPages = s.MonitorPages
	c.channels = make(map[protocol.ChannelID]*channelRecord, len(s.Channels))
	c.gpadls = make(map[protocol.GpadlID]*gpadlRecord, len(s.Gpadls))
	for _, ch := range s.Channels {
		state := channelOffered
		if ch.Open {
			state = channelOpened
		}
		rec := &channelRecord{
			offer:    ch.Offer,
			state:    state,
			gpadls:   make(map[protocol.GpadlID]struct{}),
			done:     make(chan struct{}),
			released: make(chan struct{}),
			requests: make(chan ChannelRequest, 4),
		}
		c.channels[ch.Offer.ChannelID] = rec
		c.spawnForwarder(ch.Offer.ChannelID, rec)
		if c.notify != nil {
			c.notify.Offer(&OfferInfo{Offer: ch.Offer, requests: rec.requests, revoked: rec.done, released: rec.released})
		}
	}
	for _, gp := range s.Gpadls {
		c.gpadls[gp.GpadlID] = &gpadlRecord{
			channelID: gp.ChannelID,
			state:     runtimeGpadlState(gp.State),
			count:     gp.Count,
			pfns:      gp.Pfns,
		}
		if gp.State == SavedGpadlTearingDown {
			// A tearing-down GPADL carries a teardown-tracking entry so
			// the host's eventual GpadlTorndown completes the removal
			// instead of being dropped as unknown.
			chID := gp.ChannelID
			c.teardownGpadls[gp.GpadlID] = &chID
		}
		if rec := c.channels[gp.ChannelID]; rec != nil {
			rec.gpadls[gp.GpadlID] = struct{}{}
		}
	}
	// Restored channels are already known, so the connection lands
	// Connected rather than RequestingOffers; there is no distinct
	// post-enumeration state to pass through here.
	c.connState = connectionConnected
	req.resp <- nil
}

func supportedVersion(v protocol.Version) bool {
	for _, sv := range protocol.SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

func savedGpadlState(s gpadlState) SavedGpadlState {
	switch s {
	case gpadlCreated:
		return SavedGpadlCreated
	case gpadlTearingDown:
		return SavedGpadlTearingDown
	default:
		return SavedGpadlOffered
	}
}

func runtimeGpadlState(s SavedGpadlState) gpadlState {
	switch s {
	case SavedGpadlCreated:
		return gpadlCreated
	case SavedGpadlTearingDown:
		return gpadlTearingDown
	default:
		return gpadlOffered
	}
}

func validateSavedChannel(ch SavedChannel) error {
	return nil
}

func validateSavedGpadl(gp SavedGpadl) error {
	switch gp.State {
	case SavedGpadlOffered, SavedGpadlCreated, SavedGpadlTearingDown:
		return nil
	default:
		return fmt.Errorf("restore: gpadl %d has unknown sub-state %d", gp.GpadlID, gp.State)
	}
}
