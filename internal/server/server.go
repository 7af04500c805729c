package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Options selects which ops endpoints are exposed and where. A zero port
// disables that endpoint group; equal ports share one listener.
type Options struct {
	HealthPort     int
	MetricsPort    int
	HealthInterval time.Duration
	Tracker        *healthcheck.Tracker
	Metrics        *metrics.Metrics
}

type listener struct {
	port   int
	labels []string
	mux    *http.ServeMux
}

// Start serves /healthz, /readyz and /metrics in the background until ctx is
// cancelled.
func Start(ctx context.Context, logger zerolog.Logger, opts Options) {
	for _, l := range plan(opts) {
		serve(ctx, logger, l)
	}
}

// plan groups endpoint routes by port.
func plan(opts Options) []*listener {
	byPort := make(map[int]*listener)
	add := func(port int, label string, register func(*http.ServeMux)) {
		if port <= 0 {
			return
		}
		l, ok := byPort[port]
		if !ok {
			l = &listener{port: port, mux: http.NewServeMux()}
			byPort[port] = l
		}
		l.labels = append(l.labels, label)
		register(l.mux)
	}

	add(opts.HealthPort, "health", func(mux *http.ServeMux) {
		mux.HandleFunc("/healthz", healthcheck.HealthHandler(opts.Tracker, opts.HealthInterval))
		mux.HandleFunc("/readyz", healthcheck.ReadyHandler(opts.Tracker))
	})
	if opts.Metrics != nil {
		add(opts.MetricsPort, "metrics", func(mux *http.ServeMux) {
			mux.Handle("/metrics", opts.Metrics.Handler())
		})
	}

	out := make([]*listener, 0, len(byPort))
	for _, l := range byPort {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].port < out[j].port })
	return out
}

func serve(ctx context.Context, logger zerolog.Logger, l *listener) {
	label := strings.Join(l.labels, "/")
	log := logger.With().Str("server", label).Int("port", l.port).Logger()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", l.port),
		Handler:           l.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info().Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
