package transport

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/dispatch"
	"github.com/zond/marionette/wire"
)

const (
	sessionHeader = "X-Session"
	contentType   = "application/json"
)

// PollHandler serves the polling transport: the controller POSTs an
// inbound batch (possibly empty) and the response body carries the
// pending outbound batch.
type PollHandler struct {
	Dispatcher *dispatch.Dispatcher
}

func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "polling is POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch := wire.Batch{}
	if len(bytes.TrimSpace(body)) > 0 {
		if batch, err = wire.UnmarshalBatch(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	out, err := h.Dispatcher.HandleBatch(r.Context(), batch)
	if err != nil {
		// Dispatcher errors are invariant violations, not bad input.
		log.Printf("session %s: %v", r.Header.Get(sessionHeader), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res, err := wire.MarshalBatch(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(res); err != nil {
		log.Printf("writing poll response: %v", err)
	}
}

// PollClient is the controller side of the polling transport.
// Outbound batches returned by the server are buffered until the next
// ReceiveBatch.
type PollClient struct {
	URL    string
	Client *http.Client

	mutex   sync.Mutex
	session string
	pending []wire.Batch
}

func NewPollClient(url string) *PollClient {
	return &PollClient{
		URL:     url,
		Client:  http.DefaultClient,
		session: uuid.NewString(),
	}
}

func (c *PollClient) SendBatch(ctx context.Context, batch wire.Batch) error {
	body, err := wire.MarshalBatch(batch)
	if err != nil {
		return marionette.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return marionette.WithStack(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(sessionHeader, c.session)
	resp, err := c.Client.Do(req)
	if err != nil {
		return marionette.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return errors.Errorf("polling %s: %s: %s", c.URL, resp.Status, msg)
	}
	res, err := io.ReadAll(resp.Body)
	if err != nil {
		return marionette.WithStack(err)
	}
	received, err := wire.UnmarshalBatch(res)
	if err != nil {
		return marionette.WithStack(err)
	}
	if len(received) > 0 {
		c.mutex.Lock()
		c.pending = append(c.pending, received)
		c.mutex.Unlock()
	}
	return nil
}

// ReceiveBatch returns a buffered batch if one is pending, and
// otherwise polls the server with an empty send.
func (c *PollClient) ReceiveBatch(ctx context.Context) (wire.Batch, error) {
	c.mutex.Lock()
	if len(c.pending) > 0 {
		batch := c.pending[0]
		c.pending = c.pending[1:]
		c.mutex.Unlock()
		return batch, nil
	}
	c.mutex.Unlock()
	if err := c.SendBatch(ctx, wire.Batch{}); err != nil {
		return nil, marionette.WithStack(err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.pending) > 0 {
		batch := c.pending[0]
		c.pending = c.pending[1:]
		return batch, nil
	}
	return wire.Batch{}, nil
}
