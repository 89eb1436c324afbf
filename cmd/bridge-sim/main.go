// Command bridge-sim is a stand-in bridge sidecar for local runs of relay with
// RELAY_BACKEND=bridge.
//
// It accepts relay's per-user websockets, hands out a QR token, and acks every send. Lines
// on stdin drive the rest:
//
//	ready <uid>
//	msg <uid> <from> <text...>
//	authfail <uid> [reason...]
//	drop <uid> [reason...]
//	fail-sends [reason...]
//	sent
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relay/cmd/internal/bridge/bridgetest"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:3001", "Listen address")
		token      = flag.String("token", "", "Bearer token required from relay (empty: none)")
		readyAfter = flag.Duration("ready-after", -1, "Send ready this long after the QR (negative: wait for a ready command)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []bridgetest.Option{bridgetest.WithLogger(log)}
	if *token != "" {
		opts = append(opts, bridgetest.WithToken(*token))
	}
	if *readyAfter >= 0 {
		opts = append(opts, bridgetest.WithAutoReady(*readyAfter))
	}
	sim := bridgetest.NewServer(opts...)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           sim,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go commands(ctx, sim, log)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("bridge_sim.start", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalf("listen: %v", err)
	}
}

func commands(ctx context.Context, sim *bridgetest.Server, log *slog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := run(sim, strings.Fields(sc.Text())); err != nil {
			log.Warn("bridge_sim.command.fail", "err", err)
		}
	}
}

func run(sim *bridgetest.Server, f []string) error {
	if len(f) == 0 {
		return nil
	}
	rest := func(i int) string {
		if len(f) <= i {
			return ""
		}
		return strings.Join(f[i:], " ")
	}

	switch f[0] {
	case "ready":
		if len(f) != 2 {
			return errors.New("usage: ready <uid>")
		}
		return sim.Ready(f[1])
	case "msg":
		if len(f) < 4 {
			return errors.New("usage: msg <uid> <from> <text...>")
		}
		return sim.Inbound(f[1], f[2], rest(3))
	case "authfail":
		if len(f) < 2 {
			return errors.New("usage: authfail <uid> [reason...]")
		}
		return sim.AuthFail(f[1], rest(2))
	case "drop":
		if len(f) < 2 {
			return errors.New("usage: drop <uid> [reason...]")
		}
		return sim.Disconnect(f[1], rest(2))
	case "fail-sends":
		sim.FailSends(rest(1))
		return nil
	case "sent":
		for _, s := range sim.Sent() {
			fmt.Printf("%s -> %s: %s\n", s.UID, s.To, s.Text)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bridge-sim: "+format+"\n", args...)
	os.Exit(1)
}
