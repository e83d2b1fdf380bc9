// CLAUDE:SUMMARY Entry point of the tax-portal monitor: env config, SQLite, monitor service, chi control API with SSE streams, MCP over HTTP or stdio.
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
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/kit"
	"github.com/kibak812/taxupdater/monitor"
	"github.com/kibak812/taxupdater/shield"
)

const version = "1.0.0"

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-token" {
		h, err := shield.HashToken(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	port := env("PORT", "8000")
	dbPath := env("DB_PATH", "data/taxupdater.db")
	configPath := env("CONFIG", "")
	backupDir := env("BACKUP_DIR", "")
	tokenHash := env("API_TOKEN_HASH", "")
	mcpTransport := env("MCP_TRANSPORT", "http")

	logger := newLogger(env("LOG_LEVEL", "info"), mcpTransport == "stdio")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := monitor.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = monitor.LoadConfigFile(configPath); err != nil {
			slog.Error("config", "path", configPath, "error", err)
			os.Exit(1)
		}
	}
	if backupDir != "" {
		cfg.BackupDir = backupDir
	}

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := monitor.New(db, cfg, logger)
	if err != nil {
		slog.Error("monitor", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if !cfg.Scheduler.Paused {
		if err := svc.Start(ctx); err != nil {
			slog.Error("scheduler start", "error", err)
			os.Exit(1)
		}
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "taxupdater", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	if mcpTransport == "stdio" {
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
		}
		return
	}

	if tokenHash == "" {
		slog.Warn("API_TOKEN_HASH not set, control API is unauthenticated")
	}
	r := newRouter(svc, tokenHash, mcpSrv)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		slog.Error("scheduler stop", "error", err)
	}
	slog.Info("server stopped")
}

// newLogger logs JSON to stdout, or to stderr when stdout carries MCP.
func newLogger(level string, stderr bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := os.Stdout
	if stderr {
		out = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

func newRouter(svc *monitor.Service, tokenHash string, mcpSrv *mcp.Server) chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok", "version": version})
	})

	crawlLimit := shield.NewRateLimiter(6, time.Minute)

	r.Group(func(r chi.Router) {
		r.Use(shield.RequireToken(tokenHash))
		r.Use(withActor)

		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

		r.Route("/api/schedules", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				list, err := svc.ListSchedules(r.Context())
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, list)
			})
			r.Get("/{source}", func(w http.ResponseWriter, r *http.Request) {
				st, err := svc.GetSchedule(r.Context(), chi.URLParam(r, "source"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, st)
			})
			r.Put("/{source}", func(w http.ResponseWriter, r *http.Request) {
				var in monitor.ScheduleInput
				if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
					writeJSON(w, 400, map[string]string{"error": err.Error()})
					return
				}
				in.SourceKey = chi.URLParam(r, "source")
				sc, err := svc.UpsertSchedule(r.Context(), in)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, sc)
			})
			r.Post("/{source}/enable", setEnabled(svc, true))
			r.Post("/{source}/disable", setEnabled(svc, false))
		})

		r.Group(func(r chi.Router) {
			r.Use(crawlLimit.Middleware)
			r.Post("/api/crawl", func(w http.ResponseWriter, r *http.Request) {
				if err := svc.CrawlAll(r.Context(), kit.GetActor(r.Context())); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 202, map[string]string{"status": "started"})
			})
			r.Post("/api/crawl/{source}", func(w http.ResponseWriter, r *http.Request) {
				source := chi.URLParam(r, "source")
				delay := time.Duration(queryInt(r, "delay", 0)) * time.Second
				if err := svc.TriggerCrawl(r.Context(), source, delay, kit.GetActor(r.Context())); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 202, map[string]any{"status": "started", "source": source, "delay_seconds": int(delay.Seconds())})
			})
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				list, err := svc.ListNotifications(r.Context(), monitor.NotificationFilter{
					SourceKey:  q.Get("source"),
					Type:       q.Get("type"),
					UnreadOnly: q.Get("unread") == "true",
					Limit:      queryInt(r, "limit", 50),
				})
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, list)
			})
			r.Get("/unread-count", func(w http.ResponseWriter, r *http.Request) {
				n, err := svc.UnreadCount(r.Context())
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, map[string]int{"unread": n})
			})
			r.Post("/read-all", func(w http.ResponseWriter, r *http.Request) {
				n, err := svc.MarkAllRead(r.Context())
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, map[string]int{"marked": n})
			})
			r.Post("/{id}/read", func(w http.ResponseWriter, r *http.Request) {
				if err := svc.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, map[string]string{"status": "read"})
			})
		})

		r.Get("/api/new-data", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.RecentNewData(r.Context(), r.URL.Query().Get("source"),
				queryInt(r, "hours", 24), queryInt(r, "limit", 100))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, list)
		})

		r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
			st, err := svc.SystemStatus(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, st)
		})

		r.Get("/api/executions", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListExecutions(r.Context(), monitor.ExecutionFilter{
				SourceKey: r.URL.Query().Get("source"),
				Hours:     queryInt(r, "hours", 0),
				Limit:     queryInt(r, "limit", 50),
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/api/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
			e, err := svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, e)
		})

		r.Get("/api/audit", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			list, err := svc.AuditTrail(r.Context(), monitor.AuditFilter{
				Action: q.Get("action"),
				Actor:  q.Get("actor"),
				Target: q.Get("target"),
				Limit:  queryInt(r, "limit", 100),
				Offset: queryInt(r, "offset", 0),
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
			f := monitor.MetricFilter{
				Name:  r.URL.Query().Get("name"),
				Limit: queryInt(r, "limit", 500),
			}
			if src := r.URL.Query().Get("source"); src != "" {
				f.Label = "source=" + src
			}
			if h := queryInt(r, "hours", 0); h > 0 {
				f.Since = time.Now().Add(-time.Duration(h) * time.Hour)
			}
			list, err := svc.CrawlMetrics(r.Context(), f)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Post("/api/cleanup", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.Cleanup(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Post("/api/scheduler/start", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.Start(context.WithoutCancel(r.Context())); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"running": true})
		})
		r.Post("/api/scheduler/stop", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			if err := svc.Stop(ctx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"running": false})
		})

		r.Get("/api/records/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := svc.RecordStats(r.Context(), r.URL.Query().Get("source"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, stats)
		})
		r.Get("/api/records/{source}", func(w http.ResponseWriter, r *http.Request) {
			page, err := svc.SearchRecords(r.Context(), chi.URLParam(r, "source"), r.URL.Query().Get("q"),
				queryInt(r, "page", 1), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, page)
		})

		r.Get("/api/events/progress", func(w http.ResponseWriter, r *http.Request) {
			events, unsub := svc.SubscribeProgress(64)
			defer unsub()
			streamSSE(w, r, "progress", events)
		})
		r.Get("/api/events/alerts", func(w http.ResponseWriter, r *http.Request) {
			alerts, unsub := svc.SubscribeAlerts(32)
			defer unsub()
			streamSSE(w, r, "alert", alerts)
		})
	})
	return r
}

func setEnabled(svc *monitor.Service, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := svc.SetEnabled(r.Context(), chi.URLParam(r, "source"), enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, sc)
	}
}

// withActor records who triggered an action: the X-Actor header, or "api".
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor")
		if actor == "" || len(actor) > 64 {
			actor = "api"
		}
		ctx := kit.WithTransport(r.Context(), "http")
		next.ServeHTTP(w, r.WithContext(kit.WithActor(ctx, actor)))
	})
}

// streamSSE writes each value from ch as a server-sent event until the
// client goes away or ch closes.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, event string, ch <-chan T) {
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)
	if err := rc.Flush(); err != nil {
		return
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
		case v, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps monitor errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, monitor.ErrUnknownSource), errors.Is(err, monitor.ErrNotFound):
		code = 404
	case errors.Is(err, monitor.ErrInvalidInput), errors.Is(err, monitor.ErrInvalidSchedule):
		code = 400
	case errors.Is(err, monitor.ErrAlreadyRunning):
		code = 409
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
