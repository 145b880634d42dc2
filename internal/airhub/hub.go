// Package airhub simulates the shared radio medium. Stations attach over a
// WebSocket or a WebRTC DataChannel under a 16-bit address; the hub relays
// every transmitted frame to its addressed station, or to every other
// station for 0xFFFF, optionally losing some on the way.
package airhub

import (
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/signaling"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options tunes a Hub.
type Options struct {
	Loss       float64 // probability of losing a relayed frame, per receiving station
	LossSeed   uint64
	ICEServers []string // for DataChannel stations
}

// Hub relays frames between attached stations.
type Hub struct {
	opts  Options
	loss  *util.LossSim
	stats *util.Stats

	mu       sync.RWMutex
	stations map[uint16]station

	mux *http.ServeMux
}

// New creates a hub serving /ws and /rtc.
func New(opts Options) *Hub {
	h := &Hub{
		opts:     opts,
		loss:     util.NewLossSim(opts.Loss, opts.LossSeed),
		stats:    new(util.Stats),
		stations: make(map[uint16]station),
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("/ws", h.handleWS)
	h.mux.HandleFunc("/rtc", h.handleRTC)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Stats returns the hub's relay counters.
func (h *Hub) Stats() *util.Stats {
	return h.stats
}

// Stations returns the attached addresses in ascending order.
func (h *Hub) Stations() []uint16 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	addrs := make([]uint16, 0, len(h.stations))
	for addr := range h.stations {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}

// Close detaches every station.
func (h *Hub) Close() {
	h.mu.Lock()
	stations := h.stations
	h.stations = make(map[uint16]station)
	h.mu.Unlock()

	for _, st := range stations {
		st.close()
	}
}

// ---------------------------------------------------------------------------
// Attachment
// ---------------------------------------------------------------------------

func (h *Hub) attach(addr uint16, st station) {
	h.mu.Lock()
	old := h.stations[addr]
	h.stations[addr] = st
	h.mu.Unlock()

	if old != nil {
		util.LogWarning("[%04x] re-attached, dropping previous station", addr)
		old.close()
	}
	util.LogInfo("[%04x] attached (%d stations)", addr, len(h.Stations()))
}

func (h *Hub) detach(addr uint16, st station) {
	h.mu.Lock()
	cur, ok := h.stations[addr]
	if ok && cur == st {
		delete(h.stations, addr)
	}
	h.mu.Unlock()

	if ok && cur == st {
		util.LogInfo("[%04x] detached", addr)
	}
}

func parseStation(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	addr, err := config.ParseAddress(r.URL.Query().Get("addr"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	if addr == protocol.BroadcastAddr {
		http.Error(w, "broadcast address cannot attach", http.StatusBadRequest)
		return 0, false
	}
	return addr, true
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseStation(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	st := &wsStation{conn: conn}
	h.attach(addr, st)
	defer h.detach(addr, st)
	defer conn.Close()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		h.onEnvelope(addr, data)
	}
}

func (h *Hub) handleRTC(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseStation(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch, err := signaling.AcceptRTC(r.Context(), conn, h.opts.ICEServers)
	conn.Close()
	if err != nil {
		util.LogWarning("[%04x] DataChannel setup failed: %v", addr, err)
		return
	}

	st := &rtcStation{ch: ch}
	ch.OnMessage(func(data []byte) { h.onEnvelope(addr, data) })
	h.attach(addr, st)
	defer h.detach(addr, st)

	select {
	case <-ch.Done():
	case <-r.Context().Done():
		ch.Close()
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func (h *Hub) onEnvelope(src uint16, data []byte) {
	dest, frame, err := transport.DecodeTX(data)
	if err != nil {
		h.stats.Malformed.Add(1)
		util.LogWarning("[%04x] bad envelope: %v", src, err)
		return
	}
	h.stats.AddRecv(len(frame))
	h.relay(src, dest, frame)
}

// relay delivers frame to dest, or to every station but src for broadcast.
// Frames for unknown addresses are lost, like on the air.
func (h *Hub) relay(src, dest uint16, frame []byte) {
	h.mu.RLock()
	var targets []station
	if dest == protocol.BroadcastAddr {
		for addr, st := range h.stations {
			if addr != src {
				targets = append(targets, st)
			}
		}
	} else if st, ok := h.stations[dest]; ok {
		targets = append(targets, st)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		util.LogDebug("[%04x] frame for %04x lost: no such station", src, dest)
		return
	}

	for _, st := range targets {
		if h.loss.Drop() {
			h.stats.LossDropped.Add(1)
			continue
		}
		if err := st.deliver(src, frame); err != nil {
			util.LogDebug("[%04x] deliver failed: %v", src, err)
			continue
		}
		h.stats.AddSent(len(frame))
	}
}
