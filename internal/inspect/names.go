// Package inspect exposes a live view of the client's connection and
// channel state over HTTP, for diagnostics: a JSON snapshot endpoint and a
// websocket stream of channel offer/revoke events, analogous to the
// teacher's ws.WSHandler pump loop but serving engine state instead of
// per-user delivery events.
package inspect

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// wellKnownInterfaces maps the VMBus interface GUIDs every Hyper-V guest
// recognizes to the device class they identify, mirroring the original
// engine's interface_id_to_string diagnostic table.
var wellKnownInterfaces = map[uuid.UUID]string{
	uuid.MustParse("0e0b6031-5213-4934-818b-38d90ced39db"): "shutdown_ic",
	uuid.MustParse("a9a0f4e7-5a45-4d96-b827-8a841e8c03e6"): "kvp_ic",
	uuid.MustParse("35fa2e29-ea23-4236-96ae-3a6ebacba440"): "vss_ic",
	uuid.MustParse("9527e630-d0ae-4fe2-a301-f05b816cbb47"): "timesync_ic",
	uuid.MustParse("57164f39-9115-4e78-ab55-382f3bd5422d"): "heartbeat_ic",
	uuid.MustParse("276aacf4-ac15-4466-8b11-b26b172ff9c2"): "rdv_ic",
	uuid.MustParse("f8e65716-3cb3-4a06-9a60-1889c5cccab5"): "inherited_activation",
	uuid.MustParse("f8615163-df3e-46c5-913f-f2d2f965ed0e"): "net",
	uuid.MustParse("ba6163d9-04a1-4d29-b605-72e2ffb1dc7f"): "scsi",
	uuid.MustParse("44c4f61d-4444-4400-9d52-802e27ede19f"): "vpci",
}

// NameCache answers interface-GUID -> friendly-name lookups, caching misses
// (an unrecognized GUID formatted as a string) as well as hits so a
// diagnostics stream hammering the same unknown offer repeatedly doesn't
// reformat it every time.
type NameCache struct {
	cache *lru.Cache[uuid.UUID, string]
}

// NewNameCache builds a NameCache holding up to size entries.
func NewNameCache(size int) (*NameCache, error) {
	c, err := lru.New[uuid.UUID, string](size)
	if err != nil {
		return nil, err
	}
	return &NameCache{cache: c}, nil
}

// Lookup returns the friendly name for id, computing and caching it if
// this is the first time id has been seen.
func (n *NameCache) Lookup(id uuid.UUID) string {
	if name, ok := n.cache.Get(id); ok {
		return name
	}
	name, ok := wellKnownInterfaces[id]
	if !ok {
		name = id.String()
	}
	n.cache.Add(id, name)
	return name
}
