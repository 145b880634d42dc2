package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtrans/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestEstablishRTCInvalidHub(t *testing.T) {
	if _, err := EstablishRTC(context.Background(), "ftp://hub", 1, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestEstablishRTCHubHangsUp(t *testing.T) {
	offers := make(chan message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rtc" || r.URL.Query().Get("addr") != "C088" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Hang up as soon as the offer arrives; candidates may come first.
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == msgTypeOffer {
				offers <- msg
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := EstablishRTC(ctx, srv.URL, 0xC088, nil)
	if err == nil {
		t.Fatal("expected signaling failure")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("signaling did not notice the hang-up: %v", err)
	}

	select {
	case msg := <-offers:
		if msg.SDP == "" {
			t.Fatal("offer without SDP")
		}
	default:
		t.Fatal("hub never received an offer")
	}
}

func TestAcceptRTCContextCancel(t *testing.T) {
	accepted := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		_, err = AcceptRTC(ctx, conn, nil)
		accepted <- err
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case err := <-accepted:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("AcceptRTC = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AcceptRTC did not return")
	}
}
