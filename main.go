package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-server/access"
	"collab-server/config"
	"collab-server/core"
	"collab-server/group"
	"collab-server/handlers/api/collabs"
	"collab-server/handlers/api/groups"
	"collab-server/handlers/api/workspaces"
	"collab-server/handlers/websocket"
	"collab-server/indexer"
	"collab-server/metrics"
	authMiddleware "collab-server/middleware"
	"collab-server/stores"
	"collab-server/stores/proxy"
	"collab-server/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 30 * time.Second

type server struct {
	storage  *proxy.CollabStorageProxy
	settings core.WorkspaceSettingsStore
	index    core.IndexStore
	manager  *group.Manager
	auth     *authMiddleware.JWTAuth
}

func setupRouter(s server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			parsed, err := url.Parse(origin)
			if origin == "" || err != nil {
				return false
			}
			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.AuthJWT)

		r.Route("/api/groups", func(r chi.Router) {
			r.Get("/", groups.HandleListGroups(s.manager))
			r.Get("/inactive", groups.HandleListInactiveGroups(s.manager))
			r.Delete("/{objectId}", groups.HandleRemoveGroup(s.manager))
		})

		r.Route("/api/workspaces/{workspaceId}", func(r chi.Router) {
			r.Use(authMiddleware.RequireWorkspace)

			r.Get("/settings", workspaces.HandleGetSettings(s.settings))
			r.Put("/settings", workspaces.HandleUpdateSettings(s.settings))
			if s.index != nil {
				r.Get("/search", workspaces.HandleSearch(s.index))
			}

			r.Route("/collabs", func(r chi.Router) {
				r.Post("/batch", collabs.HandleBatchGetCollab(s.storage))
				r.Get("/{objectId}", collabs.HandleGetCollab(s.storage))
				r.Get("/{objectId}/snapshots", collabs.HandleListSnapshots(s.storage))
				r.Post("/{objectId}/snapshots", collabs.HandleCreateSnapshot(s.storage))
				r.Get("/{objectId}/snapshots/{snapshotId}", collabs.HandleGetSnapshot(s.storage))
			})
		})
	})

	return r
}

func waitForShutdown(ioo *socketio.Server, httpServer *http.Server, manager *group.Manager, cancel context.CancelFunc) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	cancel()
	ioo.Close(nil)

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	// flushes every open group
	manager.Close()
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}
	storage := proxy.New(store, m)

	var index core.IndexStore
	if is, ok := store.(core.IndexStore); ok {
		index = is
	}

	var updates *stream.CollabRedisStream
	if cfg.RedisURL != "" {
		updates, err = stream.NewCollabRedisStreamFromURL(ctx, cfg.RedisURL, cfg.InstanceID)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to redis")
		}
		defer updates.Close()
		logrus.WithField("instance_id", cfg.InstanceID).Info("Cross-instance updates enabled")
	}

	acl := access.NewWorkspaceAccessControl()
	manager := group.NewManager(group.ManagerOptions{
		Storage:             storage,
		AccessControl:       acl,
		Metrics:             m,
		Stream:              updates,
		Indexers:            indexer.NewProvider(store, index),
		PersistenceInterval: cfg.PersistenceInterval,
		PruneGracePeriod:    cfg.PruneGracePeriod,
		LockTimeout:         cfg.GroupLockTimeout,
	})
	go group.NewSweeper(manager, cfg.PruneSweepInterval, m).Run(ctx)

	auth := authMiddleware.NewJWTAuth(cfg.JWTSecret)
	r := setupRouter(server{
		storage:  storage,
		settings: store,
		index:    index,
		manager:  manager,
		auth:     auth,
	})

	ioo := websocket.SetupSocketIO(websocket.Options{
		Manager:       manager,
		Auth:          auth,
		AccessControl: acl,
		Metrics:       m,
		MessageRate:   rate.Limit(cfg.ClientMessageRate),
		MessageBurst:  cfg.ClientMessageBurst,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	httpServer := &http.Server{Addr: *listenAddress, Handler: r}
	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo, httpServer, manager, cancel)
}
