// Command relay runs the stateless UDP peer-directory rendezvous point:
// enter/ping/leave on 5005/udp, plus an optional read-only HTTP /status
// endpoint.
//
// Grounded on the teacher's server/main.go flag-parsed startup (graceful
// shutdown on os.Interrupt, background goroutines started off a shared
// cancelable context) and original_source/relay.py's standalone listener.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"opusjam/internal/relay"
	"opusjam/internal/telemetry"
)

func main() {
	addr := flag.String("addr", ":5005", "UDP listen address")
	statusAddr := flag.String("status-addr", ":8080", "HTTP status listen address (empty to disable)")
	flag.Parse()

	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("[relay] resolve %q: %v", *addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Fatalf("[relay] listen: %v", err)
	}
	defer conn.Close()

	tel := telemetry.New()
	r := relay.New(tel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[relay] shutting down...")
		cancel()
	}()

	go tel.Run(ctx, 10*time.Second)

	if *statusAddr != "" {
		e := relay.NewStatusServer(r)
		go func() {
			if err := e.Start(*statusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[relay] status server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			e.Shutdown(shutdownCtx)
		}()
		log.Printf("[relay] status listening on %s", *statusAddr)
	}

	log.Printf("[relay] listening on %s", *addr)
	if err := r.Serve(ctx, conn); err != nil {
		log.Fatalf("[relay] serve: %v", err)
	}
}
