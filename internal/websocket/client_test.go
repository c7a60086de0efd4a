package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		wantID string
		want   string
	}{
		{"envelope", `{"id":"m1","payload":"{\"title\":\"hi\"}"}`, "m1", `{"title":"hi"}`},
		{"empty payload", `{"id":"m2","payload":""}`, "m2", ""},
		{"bare json", `{"title":"hi"}`, "", `{"title":"hi"}`},
		{"garbage", `not json`, "", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeFrame([]byte(tt.frame))
			if msg.ID != tt.wantID || string(msg.Body) != tt.want {
				t.Fatalf("decodeFrame = {%q %q}, want {%q %q}", msg.ID, msg.Body, tt.wantID, tt.want)
			}
		})
	}
}

func TestToWSURL(t *testing.T) {
	got, err := toWSURL("https://push.example.com/stream/abc")
	if err != nil || got != "wss://push.example.com/stream/abc" {
		t.Fatalf("toWSURL = %q, %v", got, err)
	}
	if _, err := toWSURL("ftp://x"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestClientDeliversAndAcks(t *testing.T) {
	acks := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"m1","payload":"hello"}`))
		_, data, err := conn.ReadMessage()
		if err == nil {
			acks <- string(data)
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []Message
	received := make(chan struct{}, 1)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer k")
	c := New(Config{Endpoint: srv.URL, Header: hdr}, func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
	select {
	case ack := <-acks:
		if ack != `{"type":"ack","id":"m1"}` {
			t.Fatalf("ack = %s", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ack received")
	}

	c.Stop()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "m1" || string(got[0].Body) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestSendAfterStop(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1"}, func(Message) {})
	c.Stop()
	// fill the buffer so the only ready case is done
	for i := 0; i < cap(c.sendChan); i++ {
		c.sendChan <- nil
	}
	if err := c.Send([]byte("x")); err != ErrStopped {
		t.Fatalf("Send after Stop = %v, want ErrStopped", err)
	}
}

func TestRunStopsWhenEndpointGone(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c := New(Config{Endpoint: srv.URL}, func(Message) {})
		start := time.Now()
		err := c.Run(ctx)
		cancel()
		srv.Close()

		if !errors.Is(err, ErrEndpointGone) {
			t.Fatalf("status %d: Run = %v, want ErrEndpointGone", code, err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("status %d: Run retried before giving up", code)
		}
	}
}
