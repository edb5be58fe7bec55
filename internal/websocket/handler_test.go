package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ue1live/internal/config"
	"ue1live/internal/memstore"
	"ue1live/pkg/types"
)

type feedFixture struct {
	store    *memstore.Store
	registry *Registry
	url      string
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry()
	handler := NewHandler(registry, store, &config.WebSocketConfig{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		BufferSize:   16,
	})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})

	return &feedFixture{
		store:    store,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *feedFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame types.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) types.ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame types.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return frame
}

func expectFrame(t *testing.T, conn *websocket.Conn, want types.FrameType, ref string) types.ServerFrame {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != want || frame.Ref != ref {
		t.Fatalf("Expected %s frame for %q, got %+v", want, ref, frame)
	}
	return frame
}

func insertSession(t *testing.T, store *memstore.Store, id, code string) {
	t.Helper()
	_, err := store.Upsert(context.Background(), types.TableSessions, types.Row{"id": id, "code": code}, []string{"id"})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func TestHandler_SubscribeReceivesChanges(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "s", Table: types.TableSessions, Filter: types.Filter{"id": "s-1"}})
	expectFrame(t, conn, types.FrameSubscribed, "s")

	insertSession(t, f.store, "s-2", "ZZZ999") // filtered out
	insertSession(t, f.store, "s-1", "ABC123")

	frame := expectFrame(t, conn, types.FrameChange, "s")
	if frame.Event == nil {
		t.Fatal("change frame without event")
	}
	if frame.Event.Table != types.TableSessions || frame.Event.Type != types.ChangeInsert {
		t.Errorf("Unexpected event header: %+v", frame.Event)
	}
	if frame.Event.Row.String("code") != "ABC123" {
		t.Errorf("Expected code ABC123, got %v", frame.Event.Row["code"])
	}
}

func TestHandler_Unsubscribe(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "a", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "a")
	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "b", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "b")

	send(t, conn, types.ClientFrame{Type: types.FrameUnsubscribe, Ref: "a"})
	// Unknown ref after removal proves the first unsubscribe was processed
	send(t, conn, types.ClientFrame{Type: types.FrameUnsubscribe, Ref: "a"})
	expectFrame(t, conn, types.FrameError, "a")

	insertSession(t, f.store, "s-1", "ABC123")
	expectFrame(t, conn, types.FrameChange, "b")
}

func TestHandler_ErrorFrames(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	tests := []struct {
		name  string
		frame types.ClientFrame
		ref   string
	}{
		{"unknown table", types.ClientFrame{Type: types.FrameSubscribe, Ref: "x", Table: "users"}, "x"},
		{"unknown column", types.ClientFrame{Type: types.FrameSubscribe, Ref: "y", Table: types.TableSessions, Filter: types.Filter{"secret": 1}}, "y"},
		{"unknown frame type", types.ClientFrame{Type: "publish", Ref: "z"}, "z"},
		{"missing ref", types.ClientFrame{Type: types.FrameSubscribe, Table: types.TableSessions}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.frame)
			frame := expectFrame(t, conn, types.FrameError, tt.ref)
			if frame.Error == "" {
				t.Error("error frame should carry a message")
			}
		})
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frame := expectFrame(t, conn, types.FrameError, "")
	if frame.Error != ErrInvalidFrame.Error() {
		t.Errorf("Expected %q, got %q", ErrInvalidFrame, frame.Error)
	}
}

func TestHandler_DuplicateRef(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "r", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "r")
	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "r", Table: types.TablePrompts})
	frame := expectFrame(t, conn, types.FrameError, "r")
	if frame.Error != ErrDuplicateRef.Error() {
		t.Errorf("Expected duplicate ref error, got %q", frame.Error)
	}
}

func TestHandler_LostSubscriptionIsReported(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "s", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "s")

	f.store.SeverSubscriptions()

	frame := expectFrame(t, conn, types.FrameLost, "s")
	if frame.Error != types.ErrChannelLost.Error() {
		t.Errorf("Expected channel lost message, got %q", frame.Error)
	}

	// The ref is free again for a fresh subscription
	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "s", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "s")
}

func TestHandler_DisconnectReleasesSubscriptions(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t)

	send(t, conn, types.ClientFrame{Type: types.FrameSubscribe, Ref: "s", Table: types.TableSessions})
	expectFrame(t, conn, types.FrameSubscribed, "s")
	if f.registry.Count() != 1 {
		t.Fatalf("Expected 1 registered connection, got %d", f.registry.Count())
	}

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.Count() == 0 && f.store.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Connection not cleaned up: registry=%d subscribers=%d", f.registry.Count(), f.store.SubscriberCount())
}
