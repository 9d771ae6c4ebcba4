package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/livefeed/internal/certs"
)

func main() {
	dirFlag := flag.String("dir", "", "Directory holding init.mp4 and seg_N.m4s files")
	protoFlag := flag.String("proto", "websocket", "Serve over websocket, quic or srt")
	addrFlag := flag.String("addr", ":8080", "Listen address")
	loopFlag := flag.Bool("loop", true, "Restart from the first segment after the last")
	speedFlag := flag.Float64("speed", 1, "Pacing multiplier")
	flag.Parse()

	dir := *dirFlag
	if dir == "" && flag.NArg() > 0 {
		dir = flag.Arg(0)
	}
	if dir == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  fragment-push --dir segments/ [--proto websocket|quic|srt] [--addr :8080]\n")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	f, err := loadFeed(dir)
	if err != nil {
		log.Error("failed to load segments", "dir", dir, "error", err)
		os.Exit(1)
	}
	log.Info("segments loaded", "dir", dir, "count", len(f.segments))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := playOptions{Loop: *loopFlag, Speed: *speedFlag}
	switch *protoFlag {
	case "websocket", "ws":
		err = serveWebSocket(ctx, *addrFlag, f, opts, log)
	case "quic":
		var cert *certs.CertInfo
		cert, err = certs.Generate(14 * 24 * time.Hour)
		if err == nil {
			log.Info("certificate generated", "fingerprint", cert.FingerprintBase64())
			err = serveQUIC(ctx, *addrFlag, cert, f, opts, log)
		}
	case "srt":
		err = serveSRT(ctx, *addrFlag, f, opts, log)
	default:
		err = fmt.Errorf("unknown protocol %q", *protoFlag)
	}
	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
