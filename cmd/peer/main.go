// Command peer is the interactive CLI entry point: it joins a relay,
// exchanges audio with every other connected peer, and exposes a small
// REPL for runtime controls.
//
// Grounded on original_source/client.py's argv-driven startup (enter RPC,
// then start player/recorder units) and the teacher's server/main.go +
// server/cli.go split between flag-parsed startup and subcommand
// handling — adapted here to a single always-interactive process rather
// than a serve-vs-subcommand split, since opusjam has no persistent store
// to administer out-of-band.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"opusjam/internal/config"
	"opusjam/internal/player"
	"opusjam/internal/recorder"
	"opusjam/internal/telemetry"
	"opusjam/internal/transport"
	"opusjam/internal/wire"
)

func main() {
	silent := flag.Bool("silent", false, "disable local audio playback (capture/broadcast only)")
	unreliable := flag.Bool("unreliable", false, "route outgoing audio through the lossy test-harness broadcast path")
	name := flag.String("name", "", "display name advertised to the relay (defaults to the config's saved username)")
	relayAddr := flag.String("relay", "", "relay host:port (defaults to the config's last relay address)")
	readyFloor := flag.Float64("ready-floor", 0, "jitter-buffer grow threshold override (0 uses the adaptive default of 0.9)")
	readyNextCeil := flag.Float64("ready-next-ceil", 0, "jitter-buffer shrink threshold override (0 uses the adaptive default of 0.95)")
	flag.Parse()

	cfg := config.Load()
	if *name != "" {
		cfg.Username = *name
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername()
	}
	if *relayAddr != "" {
		cfg.LastRelayAddr = *relayAddr
	}
	if *readyFloor != 0 {
		cfg.ReadyRateFloor = *readyFloor
	}
	if *readyNextCeil != 0 {
		cfg.ReadyNextRateCeil = *readyNextCeil
	}
	cfg.Muted = false

	hostAddr, err := net.ResolveUDPAddr("udp", cfg.LastRelayAddr)
	if err != nil {
		log.Fatalf("[peer] resolve relay %q: %v", cfg.LastRelayAddr, err)
	}

	tel := telemetry.New()

	client, err := transport.New(cfg.Username, hostAddr, tel)
	if err != nil {
		log.Fatalf("[peer] %v", err)
	}
	client.Start()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tel.Run(ctx, 10*time.Second)

	reply, err := client.RPC(wire.Control{Type: "enter"}, "host")
	if err != nil {
		log.Fatalf("[peer] enter: %v", err)
	}
	client.SetKnownPeers(reply.Clients)
	log.Printf("[peer] connected as %q, %d peer(s) known", cfg.Username, len(reply.Clients))

	ply := player.New(tel, cfg.ReadyRateFloor, cfg.ReadyNextRateCeil)
	defer ply.Close()
	client.SetRawHandler(ply.Put)

	rec, err := recorder.New()
	if err != nil {
		log.Fatalf("[peer] recorder: %v", err)
	}
	rec.SetMuted(cfg.Muted)
	if *unreliable {
		rec.AddListener(client.BroadcastUnreliably)
	} else {
		rec.AddListener(client.Broadcast)
	}

	if !*silent {
		dev, err := openDevice(rec, ply)
		if err != nil {
			log.Fatalf("[peer] audio device: %v", err)
		}
		defer dev.Close()
	} else {
		// Capture still runs without a playback stream: a headless
		// broadcaster contributes audio but renders nothing locally.
		dev, err := openCaptureOnly(rec)
		if err != nil {
			log.Fatalf("[peer] capture device: %v", err)
		}
		defer dev.Close()
	}

	if err := config.Save(cfg); err != nil {
		log.Printf("[peer] save config: %v", err)
	}

	runREPL(client, rec, cfg)

	if _, err := client.RPC(wire.Control{Type: "leave"}, "host"); err != nil {
		log.Printf("[peer] leave: %v", err)
	}
}

func defaultUsername() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "peer"
}

// runREPL drives the interactive command loop: record (toggle whether
// captured audio reaches listeners), mute (toggle local muting), tempo
// <bpm> (set and gossip a new tempo), log (print the current tempo, when
// one is known, and the number of known peers), and quit/exit to leave.
func runREPL(client *transport.Client, rec *recorder.Recorder, cfg config.Config) {
	fmt.Println("commands: record | mute | tempo <bpm> | log | quit")
	recording := true
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "record":
			recording = !recording
			rec.SetMuted(!recording || cfg.Muted)
			fmt.Printf("recording: %v\n", recording)
		case "mute":
			cfg.Muted = !cfg.Muted
			rec.SetMuted(cfg.Muted || !recording)
			fmt.Printf("muted: %v\n", cfg.Muted)
		case "tempo":
			if len(fields) < 2 {
				fmt.Println("usage: tempo <bpm>")
				continue
			}
			bpm, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				fmt.Printf("invalid bpm: %v\n", err)
				continue
			}
			cur, _ := client.Tempo()
			client.SetTempo(wire.Tempo{
				BPM:   bpm,
				Start: float64(time.Now().UnixNano()) / float64(time.Second),
				Owner: client.Name,
				Seq:   cur.Seq + 1,
			})
			cfg.TempoBPM = bpm
			fmt.Printf("tempo set to %.1f bpm\n", bpm)
		case "log":
			if t, ok := client.Tempo(); ok {
				fmt.Printf("tempo: %.1f bpm (owner %s)\n", t.BPM, t.Owner)
			}
			fmt.Printf("known peers: %d\n", len(client.KnownPeers()))
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}
