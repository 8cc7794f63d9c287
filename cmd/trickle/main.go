// Command trickle runs a segment server ("serve") or a
// subscribe-process-publish relay ("relay").
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/trickle/internal/certs"
	"github.com/zsiec/trickle/internal/config"
	"github.com/zsiec/trickle/internal/distribution"
	"github.com/zsiec/trickle/internal/ingest"
	srtingest "github.com/zsiec/trickle/internal/ingest/srt"
	"github.com/zsiec/trickle/internal/stream"
	"github.com/zsiec/trickle/metrics"
	"github.com/zsiec/trickle/pipeline"
	"github.com/zsiec/trickle/trickle"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: trickle <serve|relay|version> [-config file.yaml]\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TRICKLE_CONFIG"), "path to a YAML config file")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg)
	case "relay":
		err = relay(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("exiting", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	sc := cfg.Server
	reg, met := newRegistry()

	var cert *certs.CertInfo
	if sc.H3Addr != "" {
		var err error
		if sc.CertFile != "" {
			cert, err = certs.Load(sc.CertFile, sc.KeyFile)
		} else {
			slog.Info("generating self-signed certificate")
			cert, err = certs.Generate(14 * 24 * time.Hour)
		}
		if err != nil {
			return fmt.Errorf("certificate: %w", err)
		}
		slog.Info("certificate ready",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	streams := stream.NewManager(nil, sc.WindowSize, met)
	ingestRegistry := ingest.NewRegistry()

	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:        sc.Addr,
		H3Addr:      sc.H3Addr,
		Cert:        cert,
		Streams:     streams,
		Token:       sc.Token,
		PollTimeout: sc.PollTimeout.D(),
		Metrics:     met,
		Gatherer:    reg,
		Ingest:      ingestRegistry,
	})
	if err != nil {
		return fmt.Errorf("create distribution server: %w", err)
	}

	slog.Info("trickle starting",
		"version", version,
		"http", sc.Addr,
		"http3", sc.H3Addr,
		"srt", sc.SRTAddr,
		"window", sc.WindowSize,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if sc.SRTAddr != "" {
		srtSrv := srtingest.NewServer(sc.SRTAddr, streams, ingestRegistry, met, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}
	return g.Wait()
}

func relay(ctx context.Context, cfg *config.Config) error {
	rc := cfg.Relay
	if rc.Subscribe.URL == "" || rc.Publish.URL == "" {
		return errors.New("relay.subscribe.url and relay.publish.url are required")
	}
	reg, met := newRegistry()

	pc := pipeline.Config{
		Subscribe:             trickle.Endpoint{URL: rc.Subscribe.URL, Token: rc.Subscribe.Token},
		Publish:               trickle.Endpoint{URL: rc.Publish.URL, Token: rc.Publish.Token},
		ReadAheadDepth:        rc.ReadAheadDepth,
		SegmentTargetDuration: rc.SegmentTargetDuration.D(),
		SegmentTargetFrames:   rc.SegmentTargetFrames,
		ReconnectMaxAttempts:  rc.ReconnectMaxAttempts,
		ReconnectBackoff: trickle.Backoff{
			Initial:    rc.ReconnectBackoff.Initial.D(),
			Max:        rc.ReconnectBackoff.Max.D(),
			Multiplier: rc.ReconnectBackoff.Multiplier,
		},
		FetchTimeout: rc.FetchTimeout.D(),
		SendTimeout:  rc.SendTimeout.D(),
		DrainTimeout: rc.DrainTimeout.D(),
		Metrics:      met,
	}

	switch rc.Transport {
	case "http3":
		t := trickle.NewHTTP3Transport(&tls.Config{InsecureSkipVerify: rc.Insecure})
		defer t.Close()
		pc.Fetcher, pc.Sender = t, t
	case "srt":
		s := trickle.NewSRTSender(nil)
		defer s.Close()
		pc.Sender = s
	}

	pc.RequestID = uuid.NewString()
	app, err := pipeline.CreateApp(pc, pipeline.Passthrough(pc.RequestID))
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	slog.Info("relay starting",
		"version", version,
		"request_id", pc.RequestID,
		"subscribe", rc.Subscribe.URL,
		"publish", rc.Publish.URL,
		"transport", rc.Transport,
	)

	g, gctx := errgroup.WithContext(ctx)
	if rc.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              rc.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", rc.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		err := app.Run(gctx)
		h := app.Health()
		slog.Info("relay finished",
			"state", h.State,
			"frames_in", h.FramesIn,
			"frames_out", h.FramesOut,
			"frames_skipped", h.FramesSkipped,
		)
		if err == nil {
			// End of stream; release the metrics listener too.
			return errRelayDone
		}
		return err
	})
	if err := g.Wait(); !errors.Is(err, errRelayDone) {
		return err
	}
	return nil
}

var errRelayDone = errors.New("relay finished")
