package transport

import (
	"sync"
	"sync/atomic"
)

const memoryInboxSize = 1024

// Medium is an in-process shared radio channel. Stations attach by address;
// a frame sent to 0xFFFF reaches every other station, a frame sent to an
// address nobody holds is silently lost, just like on the air.
type Medium struct {
	mu       sync.RWMutex
	stations map[uint16]*MemoryLink
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{stations: make(map[uint16]*MemoryLink)}
}

// Attach creates a station at addr. A station already holding addr is
// closed and replaced.
func (m *Medium) Attach(addr uint16) *MemoryLink {
	l := &MemoryLink{
		medium: m,
		addr:   addr,
		inbox:  make(chan memoryFrame, memoryInboxSize),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.stations[addr]
	m.stations[addr] = l
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go l.deliverLoop()
	return l
}

// Stations returns the number of attached stations.
func (m *Medium) Stations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stations)
}

func (m *Medium) detach(l *MemoryLink) {
	m.mu.Lock()
	if m.stations[l.addr] == l {
		delete(m.stations, l.addr)
	}
	m.mu.Unlock()
}

// relay hands a copy of frame to every station addressed by dest.
func (m *Medium) relay(src, dest uint16, frame []byte) {
	m.mu.RLock()
	var targets []*MemoryLink
	if dest == broadcastAddr {
		targets = make([]*MemoryLink, 0, len(m.stations))
		for addr, st := range m.stations {
			if addr != src {
				targets = append(targets, st)
			}
		}
	} else if st, ok := m.stations[dest]; ok {
		targets = []*MemoryLink{st}
	}
	m.mu.RUnlock()

	for _, st := range targets {
		data := make([]byte, len(frame))
		copy(data, frame)
		st.enqueue(memoryFrame{src: src, data: data})
	}
}

const broadcastAddr = 0xFFFF

type memoryFrame struct {
	src  uint16
	data []byte
}

// MemoryLink is one station on a Medium. Frames are delivered to its handler
// on a dedicated goroutine, in the order they were transmitted.
type MemoryLink struct {
	medium *Medium
	addr   uint16

	mu      sync.RWMutex
	handler func(uint16, []byte)

	inbox     chan memoryFrame
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Dropped counts frames lost because the inbox was full.
	Dropped atomic.Int64
}

// Addr returns the station's address.
func (l *MemoryLink) Addr() uint16 { return l.addr }

// Done returns a channel that is closed once the station is detached.
func (l *MemoryLink) Done() <-chan struct{} { return l.done }

// Transmit implements Link.
func (l *MemoryLink) Transmit(dest uint16, frame []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	l.medium.relay(l.addr, dest, frame)
	return nil
}

// OnReceive implements Link.
func (l *MemoryLink) OnReceive(fn func(src uint16, frame []byte)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// Close implements Link.
func (l *MemoryLink) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.medium.detach(l)
		close(l.done)
	})
	return nil
}

func (l *MemoryLink) enqueue(f memoryFrame) {
	if l.closed.Load() {
		return
	}
	select {
	case l.inbox <- f:
	default:
		l.Dropped.Add(1)
	}
}

func (l *MemoryLink) deliverLoop() {
	for {
		select {
		case f := <-l.inbox:
			l.mu.RLock()
			fn := l.handler
			l.mu.RUnlock()
			if fn != nil {
				fn(f.src, f.data)
			}
		case <-l.done:
			return
		}
	}
}
