package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// Compile-time interface checks.
var (
	_ Link = (*MemoryLink)(nil)
	_ Link = (*WSLink)(nil)
	_ Link = (*RTCLink)(nil)
)

func TestEnvelopeRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x02, 0x03}

	tx := EncodeTX(0xC088, frame)
	if !bytes.Equal(tx, []byte{0x01, 0xC0, 0x88, 0x01, 0x02, 0x03}) {
		t.Fatalf("TX envelope = % x", tx)
	}
	dest, got, err := DecodeTX(tx)
	if err != nil || dest != 0xC088 || !bytes.Equal(got, frame) {
		t.Fatalf("DecodeTX = %04x % x %v", dest, got, err)
	}

	rx := EncodeRX(0x0001, frame)
	if rx[0] != 0x81 {
		t.Fatalf("RX api id = %02x, want 81", rx[0])
	}
	src, got, err := DecodeRX(rx)
	if err != nil || src != 0x0001 || !bytes.Equal(got, frame) {
		t.Fatalf("DecodeRX = %04x % x %v", src, got, err)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	if _, _, err := DecodeRX([]byte{0x81, 0x00}); !errors.Is(err, ErrShortEnvelope) {
		t.Errorf("short envelope: got %v", err)
	}
	if _, _, err := DecodeRX(EncodeTX(1, nil)); !errors.Is(err, ErrUnknownEnvelope) {
		t.Errorf("TX decoded as RX: got %v", err)
	}
	if _, frame, err := DecodeTX(EncodeTX(1, nil)); err != nil || len(frame) != 0 {
		t.Errorf("empty frame: got % x %v", frame, err)
	}
}

func TestStationURL(t *testing.T) {
	tests := []struct {
		hub  string
		want string
	}{
		{"127.0.0.1:7700", "ws://127.0.0.1:7700/ws?addr=C088"},
		{" ws://hub.local:80 ", "ws://hub.local:80/ws?addr=C088"},
		{"http://hub.local", "ws://hub.local/ws?addr=C088"},
		{"https://hub.example.com/ignored", "wss://hub.example.com/ws?addr=C088"},
	}
	for _, tt := range tests {
		got, err := StationURL(tt.hub, "/ws", 0xC088)
		if err != nil {
			t.Errorf("StationURL(%q): %v", tt.hub, err)
			continue
		}
		if got != tt.want {
			t.Errorf("StationURL(%q) = %q, want %q", tt.hub, got, tt.want)
		}
	}

	for _, bad := range []string{"", "ftp://hub.local", "ws://"} {
		if _, err := StationURL(bad, "/ws", 1); err == nil {
			t.Errorf("StationURL(%q): expected error", bad)
		}
	}
}

// ---------------------------------------------------------------------------
// Medium
// ---------------------------------------------------------------------------

type received struct {
	src   uint16
	frame []byte
}

func collect(l Link) <-chan received {
	ch := make(chan received, 16)
	l.OnReceive(func(src uint16, frame []byte) {
		ch <- received{src: src, frame: append([]byte(nil), frame...)}
	})
	return ch
}

func expectFrame(t *testing.T, ch <-chan received, src uint16, frame []byte) {
	t.Helper()
	select {
	case r := <-ch:
		if r.src != src || !bytes.Equal(r.frame, frame) {
			t.Fatalf("got %04x % x, want %04x % x", r.src, r.frame, src, frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for frame from %04x", src)
	}
}

func expectSilence(t *testing.T, ch <-chan received) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected frame from %04x: % x", r.src, r.frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMediumUnicast(t *testing.T) {
	m := NewMedium()
	a, b, c := m.Attach(0x0001), m.Attach(0x0002), m.Attach(0x0003)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	rb, rc := collect(b), collect(c)

	if err := a.Transmit(0x0002, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, rb, 0x0001, []byte("hi"))
	expectSilence(t, rc)

	// Unknown destination: lost without error.
	if err := a.Transmit(0x0042, []byte("x")); err != nil {
		t.Fatalf("transmit to unknown station: %v", err)
	}
	expectSilence(t, rb)
}

func TestMediumBroadcast(t *testing.T) {
	m := NewMedium()
	a, b, c := m.Attach(0x0001), m.Attach(0x0002), m.Attach(0x0003)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ra, rb, rc := collect(a), collect(b), collect(c)

	if err := a.Transmit(0xFFFF, []byte{0xAA}); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, rb, 0x0001, []byte{0xAA})
	expectFrame(t, rc, 0x0001, []byte{0xAA})
	expectSilence(t, ra)
}

func TestMediumFrameIsCopied(t *testing.T) {
	m := NewMedium()
	a, b := m.Attach(1), m.Attach(2)
	defer a.Close()
	defer b.Close()
	rb := collect(b)

	frame := []byte{1, 2, 3}
	if err := a.Transmit(2, frame); err != nil {
		t.Fatal(err)
	}
	frame[0] = 9
	expectFrame(t, rb, 1, []byte{1, 2, 3})
}

func TestMediumClose(t *testing.T) {
	m := NewMedium()
	a, b := m.Attach(1), m.Attach(2)
	rb := collect(b)

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if m.Stations() != 1 {
		t.Fatalf("stations = %d, want 1", m.Stations())
	}
	if err := b.Transmit(1, []byte{1}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("transmit after close: got %v", err)
	}
	if err := a.Transmit(2, []byte{1}); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, rb)
	a.Close()
}

func TestMediumAttachReplaces(t *testing.T) {
	m := NewMedium()
	old := m.Attach(5)
	cur := m.Attach(5)
	defer cur.Close()

	if err := old.Transmit(1, nil); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("replaced station still open: %v", err)
	}
	if m.Stations() != 1 {
		t.Fatalf("stations = %d, want 1", m.Stations())
	}
}

func TestDoneReportsDetach(t *testing.T) {
	m := NewMedium()
	a := m.Attach(1)

	done := Done(a)
	select {
	case <-done:
		t.Fatal("done before close")
	default:
	}
	a.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after close")
	}
}
