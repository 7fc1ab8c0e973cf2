// adminctl is an interactive controller for a marionette server: it
// speaks the polling transport and lets you query, update and
// subscribe from a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/google/uuid"
	"github.com/rodaine/table"
	"github.com/zond/marionette/transport"
	"github.com/zond/marionette/wire"
	"golang.org/x/term"
)

const (
	callbackTimeout = 5 * time.Second
	pollInterval    = 200 * time.Millisecond
)

type session struct {
	client *transport.PollClient
	term   *term.Terminal
}

func main() {
	url := flag.String("url", "http://127.0.0.1:15600/poll", "Polling endpoint of the server.")
	flag.Parse()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		log.Fatal(err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	s := &session{
		client: transport.NewPollClient(*url),
		term:   term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> "),
	}
	fmt.Fprintln(s.term, "commands: query, update, interest, clear, events, quit")
	for {
		line, err := s.term.ReadLine()
		if err != nil {
			return
		}
		parts, err := shellwords.Split(line)
		if err != nil {
			fmt.Fprintf(s.term, "parsing %q: %v\n", line, err)
			continue
		}
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "quit", "exit":
			return
		case "query":
			err = s.query(parts[1:])
		case "update":
			err = s.update(parts[1:])
		case "interest":
			err = s.interest(parts[1:], false)
		case "clear":
			err = s.interest(parts[1:], true)
		case "events":
			err = s.events()
		default:
			err = fmt.Errorf("unknown command %q", parts[0])
		}
		if err != nil {
			fmt.Fprintf(s.term, "%v\n", err)
		}
	}
}

// pairs splits key=value arguments.
func pairs(args []string) (map[string]string, error) {
	result := map[string]string{}
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("%q isn't key=value", arg)
		}
		result[key] = value
	}
	return result, nil
}

func (s *session) query(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: query <id> <key=path>...")
	}
	id := args[0]
	query, err := pairs(args[1:])
	if err != nil {
		return err
	}
	queryMap := wire.NewMap()
	for key, expr := range query {
		queryMap.Set(key, wire.String(expr))
	}
	callbackID := uuid.NewString()
	batch := wire.Batch{{
		Event: wire.EventQuery,
		ID:    id,
		Data: wire.MapValue(wire.NewMap().
			Set(wire.KeyCallbackID, wire.String(callbackID)).
			Set(wire.KeyQuery, wire.MapValue(queryMap))),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := s.client.SendBatch(ctx, batch); err != nil {
		return err
	}
	callback, err := s.await(ctx, func(e *wire.Envelope) bool {
		if e.Event != wire.EventCallback {
			return false
		}
		got, _ := e.DataMap().Get(wire.KeyCallbackID)
		return got.Equal(wire.String(callbackID))
	})
	if err != nil {
		return err
	}
	tbl := table.New("Key", "Value")
	callback.DataMap().Each(func(key string, value wire.Value) bool {
		if key != wire.KeyCallbackID {
			tbl.AddRow(key, value.Render())
		}
		return true
	})
	tbl.WithWriter(s.term).Print()
	return nil
}

func (s *session) update(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: update <id> <path=json>...")
	}
	id := args[0]
	updates, err := pairs(args[1:])
	if err != nil {
		return err
	}
	data := wire.NewMap()
	for expr, raw := range updates {
		value := wire.Value{}
		if err := value.UnmarshalJSON([]byte(raw)); err != nil {
			// Bare words read as strings.
			value = wire.String(raw)
		}
		data.Set(expr, value)
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := s.client.SendBatch(ctx, wire.Batch{{
		Event: wire.EventUpdate,
		ID:    id,
		Data:  wire.MapValue(data),
	}}); err != nil {
		return err
	}
	res, err := s.await(ctx, func(e *wire.Envelope) bool {
		return e.Event == wire.EventAck || e.Event == wire.EventDiagnostic
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.term, "%s: %s\n", res.Event, res.Data.Render())
	return nil
}

func (s *session) interest(args []string, clear bool) error {
	if clear {
		if len(args) != 2 {
			return fmt.Errorf("usage: clear <id> <event>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		return s.client.SendBatch(ctx, wire.Batch{{
			Event: wire.EventUpdateInterests,
			ID:    args[0],
			Data:  wire.MapValue(wire.NewMap().Set(args[1], wire.Null)),
		}})
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: interest <id> <event> [key=path...]")
	}
	id, event := args[0], args[1]
	template, err := pairs(args[2:])
	if err != nil {
		return err
	}
	spec := wire.Bool(true)
	if len(template) > 0 {
		m := wire.NewMap()
		for key, expr := range template {
			m.Set(key, wire.String(expr))
		}
		spec = wire.MapValue(m)
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	return s.client.SendBatch(ctx, wire.Batch{{
		Event: wire.EventUpdateInterests,
		ID:    id,
		Data:  wire.MapValue(wire.NewMap().Set(event, spec)),
	}})
}

// events drains and prints everything currently pending.
func (s *session) events() error {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	batch, err := s.client.ReceiveBatch(ctx)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		fmt.Fprintln(s.term, "nothing pending")
		return nil
	}
	tbl := table.New("Event", "Object", "Data")
	for _, envelope := range batch {
		tbl.AddRow(envelope.Event, envelope.ID, envelope.Data.Render())
	}
	tbl.WithWriter(s.term).Print()
	return nil
}

// await polls until an envelope matching accept arrives; other
// envelopes are printed as they pass.
func (s *session) await(ctx context.Context, accept func(*wire.Envelope) bool) (*wire.Envelope, error) {
	for {
		batch, err := s.client.ReceiveBatch(ctx)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			if accept(&batch[i]) {
				return &batch[i], nil
			}
			fmt.Fprintf(s.term, "%s %s %s\n", batch[i].Event, batch[i].ID, batch[i].Data.Render())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
