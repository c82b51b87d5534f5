package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestDatagramOpenFiresOnDial(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	d, err := DialDatagram(context.Background(), wsURL(srv.URL), nil, nil)
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	defer d.CloseSession()

	waitForOpen(t, d)
	if d.ReadyState() != Open {
		t.Errorf("ReadyState = %v, want Open", d.ReadyState())
	}
}

func TestDatagramEchoRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	d, err := DialDatagram(context.Background(), wsURL(srv.URL), nil, nil)
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	defer d.CloseSession()
	waitForOpen(t, d)

	got := make(chan []byte, 1)
	d.Message().Subscribe(func(b []byte) { got <- b })

	if err := d.Send([]byte("echo me")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case b := <-got:
		if string(b) != "echo me" {
			t.Errorf("got %q, want %q", b, "echo me")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestDatagramServerCloseDispatchesClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	d, err := DialDatagram(context.Background(), wsURL(srv.URL), nil, nil)
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	defer d.CloseSession()

	closed := make(chan CloseEvent, 1)
	d.Close().Subscribe(func(ev CloseEvent) { closed <- ev })

	select {
	case ev := <-closed:
		if ev.Code != websocket.CloseNormalClosure {
			t.Errorf("Code = %d, want %d", ev.Code, websocket.CloseNormalClosure)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close")
	}
}

func TestDatagramCloseSuppressesFurtherDelivery(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	d, err := DialDatagram(context.Background(), wsURL(srv.URL), nil, nil)
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	waitForOpen(t, d)

	gotMessage := false
	d.Message().Subscribe(func([]byte) { gotMessage = true })

	if err := d.CloseSession(); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if gotMessage {
		t.Error("message delivered after CloseSession")
	}
}
