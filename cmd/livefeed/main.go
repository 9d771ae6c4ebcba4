package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livefeed/internal/api"
	"github.com/zsiec/livefeed/internal/certs"
	"github.com/zsiec/livefeed/internal/config"
	"github.com/zsiec/livefeed/internal/metrics"
	"github.com/zsiec/livefeed/internal/notify"
	"github.com/zsiec/livefeed/internal/stream"
	"github.com/zsiec/livefeed/internal/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("LIVEFEED_CONFIG"), "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stderr, cfg))

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg *config.Config) error {
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.API.CertValidity)
	if err != nil {
		return fmt.Errorf("generate cert: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.NewMetrics()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.MQTT.Broker != "" {
		mq, err := notify.NewMQTT(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Retained: cfg.MQTT.Retained,
			Encoding: cfg.MQTT.Encoding,
		}, nil)
		if err != nil {
			return err
		}
		// The client keeps retrying in the background, so a broker that is
		// down at boot is not fatal.
		if err := mq.Connect(ctx); err != nil {
			slog.Warn("mqtt broker unavailable at startup", "error", err)
		}
		defer mq.Close()
		notifier = mq
	}

	g, ctx := errgroup.WithContext(ctx)

	mgr := stream.NewManager(ctx, stream.Options{
		Policy: cfg.SessionPolicy(),
		Transport: transport.Options{
			DialTimeout:        cfg.Transport.DialTimeout,
			MaxFrameSize:       cfg.Transport.MaxFrameSize,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
		},
		DefaultTransport: transport.Kind(cfg.Transport.Default),
		OutputDir:        cfg.Buffer.OutputDir,
		CaptionLines:     cfg.Buffer.CaptionLines,
		Observer:         m,
		Notifier:         notifier,
	})

	apiSrv, err := api.NewServer(api.ServerConfig{
		Addr:       cfg.API.Addr,
		Cert:       cert,
		Controller: mgr,
		Recorder:   m,
	})
	if err != nil {
		return err
	}

	slog.Info("livefeed starting",
		"version", version,
		"api", cfg.API.Addr,
		"metrics", cfg.Metrics.Addr,
		"transport", cfg.Transport.Default,
		"cert_hash", cert.FingerprintBase64(),
	)

	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	for _, sc := range cfg.Streams {
		req := stream.Request{
			ID:        sc.ID,
			Address:   sc.Address,
			Port:      sc.Port,
			Transport: transport.Kind(sc.Transport),
		}
		if _, err := mgr.InitStream(req); err != nil {
			slog.Error("failed to start configured stream", "stream", sc.ID, "error", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		return mgr.Shutdown()
	})

	return g.Wait()
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}
