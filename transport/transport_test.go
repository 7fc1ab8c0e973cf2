package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zond/marionette/convert"
	"github.com/zond/marionette/dispatch"
	"github.com/zond/marionette/registry"
	"github.com/zond/marionette/wire"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := NewPipe()
	batch := wire.Batch{{Event: "Moved", ID: "p1"}}
	if err := a.SendBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReceiveBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != "Moved" || got[0].ID != "p1" {
		t.Errorf("received %+v", got)
	}
	// Nothing pending reads as an empty batch.
	if got, err := b.ReceiveBatch(ctx); err != nil || len(got) != 0 {
		t.Errorf("got %+v, %v", got, err)
	}
	// Batches arrive in order, per direction.
	if err := b.SendBatch(ctx, wire.Batch{{Event: "first"}}); err != nil {
		t.Fatal(err)
	}
	if err := b.SendBatch(ctx, wire.Batch{{Event: "second"}}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"first", "second"} {
		got, err := a.ReceiveBatch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Event != want {
			t.Errorf("got %+v, want %s", got, want)
		}
	}
}

func TestPipeWaitReceive(t *testing.T) {
	ctx := context.Background()
	a, b := NewPipe()
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := a.SendBatch(ctx, wire.Batch{{Event: "late"}}); err != nil {
			t.Error(err)
		}
	}()
	got, err := b.WaitReceive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != "late" {
		t.Errorf("got %+v", got)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := b.WaitReceive(timeoutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestPipeClose(t *testing.T) {
	ctx := context.Background()
	a, b := NewPipe()
	a.Close()
	if err := a.SendBatch(ctx, wire.Batch{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendBatch after Close = %v", err)
	}
	if _, err := b.ReceiveBatch(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ReceiveBatch after Close = %v", err)
	}
}

type puppet struct {
	Health int
}

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	objects := registry.New()
	conv := convert.NewRegistry()
	d := dispatch.New(objects, conv)
	if err := objects.Register("p1", &puppet{Health: 10}); err != nil {
		t.Fatal(err)
	}
	d.Flush()
	return d
}

func TestPollRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)
	server := httptest.NewServer(&PollHandler{Dispatcher: d})
	defer server.Close()

	client := NewPollClient(server.URL)
	if err := client.SendBatch(ctx, wire.Batch{{
		Event: wire.EventQuery,
		ID:    "p1",
		Data: wire.MapValue(wire.NewMap().
			Set(wire.KeyCallbackID, wire.String("cb1")).
			Set(wire.KeyQuery, wire.MapValue(wire.NewMap().
				Set("health", wire.String("Health"))))),
	}}); err != nil {
		t.Fatal(err)
	}
	got, err := client.ReceiveBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != wire.EventCallback {
		t.Fatalf("received %+v", got)
	}
	if health, _ := got[0].DataMap().Get("health"); !health.Equal(wire.Number(10)) {
		t.Errorf("health = %s", health.Render())
	}
}

func TestPollEmptySendPicksUpAmbient(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)
	server := httptest.NewServer(&PollHandler{Dispatcher: d})
	defer server.Close()

	client := NewPollClient(server.URL)
	// Nothing pending yet.
	if got, err := client.ReceiveBatch(ctx); err != nil || len(got) != 0 {
		t.Fatalf("got %+v, %v", got, err)
	}
	d.Notify(wire.EventDestroyed, "p1")
	got, err := client.ReceiveBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != wire.EventDestroyed || got[0].ID != "p1" {
		t.Errorf("received %+v", got)
	}
}

func dialTestSocket(t *testing.T, ctx context.Context, server *httptest.Server) *SocketClient {
	t.Helper()
	client, err := DialSocket(ctx, "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := newTestDispatcher(t)
	server := httptest.NewServer(&SocketHandler{
		Dispatcher: d,
		Upgrader:   websocket.Upgrader{},
	})
	defer server.Close()

	client := dialTestSocket(t, ctx, server)
	if err := client.SendBatch(ctx, wire.Batch{{
		Event: wire.EventQuery,
		ID:    "p1",
		Data: wire.MapValue(wire.NewMap().
			Set(wire.KeyCallbackID, wire.String("cb1")).
			Set(wire.KeyQuery, wire.MapValue(wire.NewMap().
				Set("health", wire.String("Health"))))),
	}}); err != nil {
		t.Fatal(err)
	}
	got, err := client.WaitReceive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != wire.EventCallback {
		t.Fatalf("received %+v", got)
	}
	data := got[0].DataMap()
	if cb, _ := data.Get(wire.KeyCallbackID); !cb.Equal(wire.String("cb1")) {
		t.Errorf("callback id = %s", cb.Render())
	}
	if health, _ := data.Get("health"); !health.Equal(wire.Number(10)) {
		t.Errorf("health = %s", health.Render())
	}
}

func TestSocketPushesAmbient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := newTestDispatcher(t)
	server := httptest.NewServer(&SocketHandler{
		Dispatcher: d,
		Upgrader:   websocket.Upgrader{},
	})
	defer server.Close()

	client := dialTestSocket(t, ctx, server)
	// Ambient envelopes are pushed by the flush ticker without the
	// controller sending anything.
	d.Notify(wire.EventDestroyed, "p1")
	got, err := client.WaitReceive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != wire.EventDestroyed || got[0].ID != "p1" {
		t.Errorf("received %+v", got)
	}
}

func TestPollRejectsGet(t *testing.T) {
	d := newTestDispatcher(t)
	server := httptest.NewServer(&PollHandler{Dispatcher: d})
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("GET = %d, want 405", resp.StatusCode)
	}
}
