package inspect

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vmbusgo/client/internal/vmbus/client"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// ChannelSnapshot is one channel's state as reported to a diagnostics
// client.
type ChannelSnapshot struct {
	ChannelID     protocol.ChannelID `json:"channel_id"`
	InterfaceName string             `json:"interface_name"`
	InterfaceID   protocol.Guid      `json:"interface_id"`
	InstanceID    protocol.Guid      `json:"instance_id"`
}

// event is the envelope streamed to every connected websocket client.
type event struct {
	Type    string          `json:"type"`
	Channel ChannelSnapshot `json:"channel,omitempty"`
	ID      protocol.ChannelID `json:"channel_id,omitempty"`
}

// Server streams channel offer/revoke notifications over a websocket and
// serves a point-in-time JSON snapshot, implementing client.NotificationSink
// directly so it can be wired alongside (or instead of) a relay.Sink via
// client.FanoutSink.
type Server struct {
	logger   *slog.Logger
	names    *NameCache
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[protocol.ChannelID]ChannelSnapshot
	subs     map[chan event]struct{}
}

var _ client.NotificationSink = (*Server)(nil)

// NewServer builds an inspection server. names may be nil, in which case
// interface GUIDs are reported unresolved.
func NewServer(logger *slog.Logger, names *NameCache) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger,
		names:  names,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		channels: make(map[protocol.ChannelID]ChannelSnapshot),
		subs:     make(map[chan event]struct{}),
	}
}

// Router returns a chi.Router exposing GET /snapshot and GET /stream.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/stream", s.handleStream)
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := make([]ChannelSnapshot, 0, len(s.channels))
	for _, c := range s.channels {
		snap = append(snap, c)
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("inspect: encode snapshot", "error", err)
	}
}

// handleStream upgrades to a websocket and pumps every subsequent offer
// and revoke event to it, following the same ctx.Done()/channel-recv
// select pump the teacher's ws handler uses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("inspect: ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan event, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("inspect: marshal event", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("inspect: ws send failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) broadcast(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("inspect: dropping event for slow subscriber")
		}
	}
}

func (s *Server) Offer(info *client.OfferInfo) {
	name := ""
	if s.names != nil {
		name = s.names.Lookup(info.Offer.InterfaceID)
	}
	snap := ChannelSnapshot{
		ChannelID:     info.Offer.ChannelID,
		InterfaceName: name,
		InterfaceID:   info.Offer.InterfaceID,
		InstanceID:    info.Offer.InstanceID,
	}
	s.mu.Lock()
	s.channels[info.Offer.ChannelID] = snap
	s.mu.Unlock()
	s.broadcast(event{Type: "offer", Channel: snap})
}

func (s *Server) Revoke(id protocol.ChannelID) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
	s.broadcast(event{Type: "revoke", ID: id})
}

func (s *Server) HvsockConnectResult(serviceID, endpointID protocol.Guid, status int32) {
	s.broadcast(event{Type: "hvsock_connect_result"})
}
