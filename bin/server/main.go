// The marionette server hosts a standalone bridge: an object registry,
// a dispatcher, and both network transports. Engine embedders normally
// wire these up themselves; this binary exists for development and for
// driving the bridge from external controllers.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zond/marionette/convert"
	"github.com/zond/marionette/dispatch"
	"github.com/zond/marionette/journal"
	"github.com/zond/marionette/registry"
	"github.com/zond/marionette/transport"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// bridge is the root object registered as "bridge", letting
// controllers inspect the running server through ordinary paths.
type bridge struct {
	started  time.Time
	objects  *registry.Registry
	dispatch *dispatch.Dispatcher
}

func (b *bridge) UptimeSeconds() float64 {
	return time.Since(b.started).Seconds()
}

func (b *bridge) ObjectCount() int {
	return b.objects.Len()
}

func (b *bridge) InterestCount() int {
	return b.dispatch.Interests().Len()
}

func (b *bridge) MessageTotals() map[string]uint64 {
	messages, failures := b.dispatch.Stats().Totals()
	return map[string]uint64{
		"messages": messages,
		"failures": failures,
	}
}

func main() {
	addr := flag.String("http", "127.0.0.1:15600", "Where to listen for controller connections.")
	dir := flag.String("dir", filepath.Join(os.Getenv("HOME"), ".marionette"), "Where to save journal and logs.")
	journalName := flag.String("journal", "journal.db", "Journal database filename inside -dir, empty to disable.")

	flag.Parse()

	if err := os.MkdirAll(*dir, 0700); err != nil {
		log.Fatal(err)
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(*dir, "server.log"),
		MaxSize:    32,
		MaxBackups: 4,
	})

	objects := registry.New()
	conv := convert.NewRegistry()
	conv.SetHandleFunc(func(native any) (string, bool) {
		return objects.IDOf(native)
	})
	dispatcher := dispatch.New(objects, conv)

	if *journalName != "" {
		j, err := journal.Open(filepath.Join(*dir, *journalName))
		if err != nil {
			log.Fatal(err)
		}
		defer j.Close()
		dispatcher.SetJournal(j)
	}

	if err := objects.Register("bridge", &bridge{
		started:  time.Now(),
		objects:  objects,
		dispatch: dispatcher,
	}); err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/poll", &transport.PollHandler{Dispatcher: dispatcher})
	mux.Handle("/ws", &transport.SocketHandler{
		Dispatcher: dispatcher,
		Upgrader:   websocket.Upgrader{},
	})

	log.Printf("Listening on %q", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
