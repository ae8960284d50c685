// Command collabd runs the real-time collaboration coordinator: a WebSocket
// endpoint for live editing sessions plus read-only HTTP endpoints for
// snapshots and operational visibility.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/coedit/collab-server-go/auth/authtest"
	"github.com/coedit/collab-server-go/broker"
	memorybroker "github.com/coedit/collab-server-go/broker/memory"
	redisbroker "github.com/coedit/collab-server-go/broker/redis"
	"github.com/coedit/collab-server-go/gateway"
	"github.com/coedit/collab-server-go/internal/logctx"
	"github.com/coedit/collab-server-go/merge/automergedoc"
	"github.com/coedit/collab-server-go/persist"
	"github.com/coedit/collab-server-go/sessions"
	"github.com/coedit/collab-server-go/wstransport"
)

type Config struct {
	// Addr is the listen address. ENV: COLLAB_ADDR
	Addr string `env:"COLLAB_ADDR,default=localhost:8080"`
	// Grace is how long an empty session survives before reclamation.
	// ENV: COLLAB_GRACE
	Grace time.Duration `env:"COLLAB_GRACE,default=60s"`
	// RedisAddr switches fan-out to Redis Streams when set (multi-node).
	// ENV: COLLAB_REDIS_ADDR
	RedisAddr string `env:"COLLAB_REDIS_ADDR,default="`
	// SnapshotPath enables periodic SQLite snapshot persistence when set.
	// ENV: COLLAB_SNAPSHOT_PATH
	SnapshotPath string `env:"COLLAB_SNAPSHOT_PATH,default="`
	// SnapshotInterval is the persistence polling interval.
	// ENV: COLLAB_SNAPSHOT_INTERVAL
	SnapshotInterval time.Duration `env:"COLLAB_SNAPSHOT_INTERVAL,default=5s"`
	// LogLevel is debug, info, warn, or error. ENV: COLLAB_LOG_LEVEL
	LogLevel string `env:"COLLAB_LOG_LEVEL,default=info"`
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	var bus broker.Broker
	if cfg.RedisAddr != "" {
		// NewFromEnv picks up COLLAB_REDIS_ADDR plus the key-prefix and
		// stream-trim settings.
		rb, err := redisbroker.NewFromEnv()
		if err != nil {
			return fmt.Errorf("connect redis broker: %w", err)
		}
		defer rb.Close()
		bus = rb
		log.Info("using redis broker", slog.String("addr", cfg.RedisAddr))
	} else {
		bus = memorybroker.New()
		log.Info("using in-memory broker")
	}

	reg := sessions.NewRegistry(automergedoc.New(), bus, sessions.WithLogger(log))
	reaper := sessions.NewReaper(reg, cfg.Grace)
	gw := gateway.New(reg, reaper, bus, log)
	ws := wstransport.NewHandler(gw, &authtest.AllowAll{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	if cfg.SnapshotPath != "" {
		store, err := persist.Open(cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()
		sn := persist.NewSnapshotter(reg, store, cfg.SnapshotInterval, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sn.Run(ctx)
		}()
		log.Info("snapshot persistence enabled", slog.String("path", cfg.SnapshotPath))
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			log.Info("handled",
				slog.String("method", request.Method),
				slog.String("url", request.URL.String()),
				slog.Duration("duration", m.Duration),
				slog.Int("status", m.Code))
		})
	})

	r.Path("/ws").HandlerFunc(ws.ServeHTTP)
	r.Methods(http.MethodGet).Path("/documents/{doc}/snapshot").HandlerFunc(snapshotHandler(gw))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodGet).Path("/statz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"activeSessions": gw.ActiveSessions(),
		})
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("listening", slog.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server listen failed", slog.String("err", err.Error()))
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Info("signal caught", slog.String("sig", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	wg.Wait()
	return nil
}

var (
	jsonMediaType   = contenttype.NewMediaType("application/json")
	binaryMediaType = contenttype.NewMediaType("application/octet-stream")
	snapshotMedia   = []contenttype.MediaType{binaryMediaType, jsonMediaType}
)

// snapshotHandler serves the current encoded merge state of a live
// document, negotiated as raw bytes or base64 JSON.
func snapshotHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accepted, _, err := contenttype.GetAcceptableMediaType(r, snapshotMedia)
		if err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}

		snapshot, ok := gw.Snapshot(mux.Vars(r)["doc"])
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		if accepted.Matches(jsonMediaType) {
			w.Header().Set("Content-Type", jsonMediaType.String())
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"content": snapshot,
			})
			return
		}
		w.Header().Set("Content-Type", binaryMediaType.String())
		_, _ = w.Write(snapshot)
	}
}
