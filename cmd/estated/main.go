// Command estated serves realtime messaging and notifications for the
// marketplace.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/estate-realtime/auth"
	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/memory"
	redishub "github.com/ggoodman/estate-realtime/broker/redis"
	"github.com/ggoodman/estate-realtime/chat"
	chatmem "github.com/ggoodman/estate-realtime/chat/memstore"
	chatpg "github.com/ggoodman/estate-realtime/chat/pgstore"
	"github.com/ggoodman/estate-realtime/httpapi"
	"github.com/ggoodman/estate-realtime/internal/config"
	"github.com/ggoodman/estate-realtime/internal/logctx"
	"github.com/ggoodman/estate-realtime/internal/pgconn"
	"github.com/ggoodman/estate-realtime/notify"
	notifymem "github.com/ggoodman/estate-realtime/notify/memstore"
	notifypg "github.com/ggoodman/estate-realtime/notify/pgstore"
	"github.com/ggoodman/estate-realtime/notify/queue"
	"github.com/ggoodman/estate-realtime/profiles"
	"github.com/ggoodman/estate-realtime/sessions"
	"github.com/ggoodman/estate-realtime/storage"
	storagemem "github.com/ggoodman/estate-realtime/storage/memory"
	storageredis "github.com/ggoodman/estate-realtime/storage/redis"
	storagevalkey "github.com/ggoodman/estate-realtime/storage/valkey"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("estated", pflag.ExitOnError)
	flags := config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "estated: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags.ConfigFile); err != nil {
		slog.Error("estated.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	if l, err := config.ParseLevel(cfg.Log.Level); err == nil {
		lv.Set(l)
	}
	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(&logctx.Handler{Handler: h}), lv
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, configFile string) error {
	log, level := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	var cleanup closers
	defer cleanup.run()

	if configFile != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, configFile, level, log); err != nil {
				log.Warn("config.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	authn, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var (
		chatStore   chat.Store
		notifyStore notify.Store
		directory   profiles.Directory = profiles.NewMemory()
	)
	if cfg.Database.URL != "" {
		pool, err := pgconn.Connect(ctx, cfg.Database.URL, pgconn.WithMaxConns(cfg.Database.MaxConns))
		if err != nil {
			return err
		}
		cleanup.add(pool.Close)
		cs, ns := chatpg.New(pool), notifypg.New(pool)
		if cfg.Database.Migrate {
			if err := errors.Join(cs.Migrate(ctx), ns.Migrate(ctx)); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		chatStore, notifyStore = cs, ns
		directory = profiles.NewPostgres(pool)
	} else {
		log.Warn("store.memory", slog.String("reason", "database.url is empty; data is lost on restart"))
		chatStore, notifyStore = chatmem.New(), notifymem.New()
	}
	directory = profiles.NewCached(directory, cfg.Profiles.CacheSize, cfg.Profiles.CacheTTL)

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		cleanup.add(func() { _ = rdb.Close() })
	}

	var hub broker.Hub
	if rdb != nil {
		h, err := redishub.New(ctx, redishub.Config{Client: rdb, ChannelPrefix: cfg.Redis.KeyPrefix + "topic:", Logger: log})
		if err != nil {
			return fmt.Errorf("hub: %w", err)
		}
		hub = h
	} else {
		hub = memory.New(memory.WithLogger(log))
	}
	cleanup.add(func() { _ = hub.Close() })

	store, err := newStorage(cfg, rdb)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	cleanup.add(func() { _ = store.Close() })

	dispatcher := notify.NewDispatcher(notifyStore, notify.WithHub(hub), notify.WithLogger(log))
	go dispatcher.Counter().Run(ctx, cfg.Sessions.ReconcileInterval, log)

	var sink notify.Sink = dispatcher
	if cfg.Queue.RedisURL != "" {
		opt, err := queue.ParseRedisURL(cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
		qc := queue.NewClient(opt)
		cleanup.add(func() { _ = qc.Close() })
		sink = qc
		if cfg.Queue.Worker {
			w := queue.NewWorker(opt, dispatcher, queue.WorkerConfig{Concurrency: cfg.Queue.Concurrency, Logger: log})
			go func() {
				if err := w.Run(ctx); err != nil {
					log.Error("queue.worker.fail", slog.String("err", err.Error()))
				}
			}()
		}
	}

	chatSvc := chat.NewService(chatStore,
		chat.WithHub(hub),
		chat.WithNotifier(sink),
		chat.WithDirectory(directory),
		chat.WithLogger(log),
	)

	manager := sessions.NewManager(
		sessions.ServiceReconciler{Chat: chatSvc, Notify: dispatcher},
		sessions.WithLogger(log),
		sessions.WithReconcileInterval(cfg.Sessions.ReconcileInterval),
		sessions.WithResumeStore(store, cfg.Sessions.ResumeTTL),
	)

	apiOpts := []httpapi.Option{httpapi.WithLogger(log)}
	if cfg.PublicURL != "" && cfg.Auth.Issuer != "" {
		apiOpts = append(apiOpts, httpapi.WithResourceMetadata(cfg.PublicURL, cfg.Auth.Issuer, cfg.Auth.Scopes...))
	}
	h, err := httpapi.New(httpapi.Config{
		Chat:          chatSvc,
		Notifications: dispatcher,
		Events:        sink,
		Hub:           hub,
		Sessions:      manager,
		Auth:          authn,
	}, apiOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Shutdown does not track hijacked websocket connections, so their
	// sessions are closed directly.
	err = errors.Join(srv.Shutdown(shutdownCtx), manager.Close(shutdownCtx))
	return err
}

func newAuthenticator(ctx context.Context, cfg config.AuthConfig) (auth.Authenticator, error) {
	var opts []auth.TokenOption
	if len(cfg.Scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(cfg.Scopes...))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, auth.WithLeeway(cfg.Leeway))
	}
	switch {
	case cfg.HMACSecret != "":
		issuer := cfg.Issuer
		if issuer == "" {
			issuer = "estated"
		}
		return auth.NewHMAC(issuer, cfg.Audience, []byte(cfg.HMACSecret), opts...)
	case cfg.JWKSURL != "":
		return auth.NewFromJWKS(ctx, cfg.Issuer, cfg.Audience, cfg.JWKSURL, opts...)
	default:
		return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience, opts...)
	}
}

func newStorage(cfg *config.Config, rdb redis.UniversalClient) (storage.Storage, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		if rdb == nil {
			return nil, errors.New("redis backend needs redis.addr")
		}
		return storageredis.New(storageredis.Config{Client: rdb, KeyPrefix: cfg.Redis.KeyPrefix + "store:"})
	case config.CacheValkey:
		vc, err := storagevalkey.Dial(cfg.Cache.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		return storagevalkey.New(storagevalkey.Config{Client: vc})
	default:
		return storagemem.New(cfg.Cache.MaxItems)
	}
}
