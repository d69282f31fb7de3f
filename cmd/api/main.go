package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"idplane.org/internal/audit"
	"idplane.org/internal/event"
	"idplane.org/internal/geo"
	"idplane.org/internal/httpapi"
	"idplane.org/internal/identity"
	"idplane.org/internal/notify"
	"idplane.org/internal/obs"
	"idplane.org/internal/rbac"
	"idplane.org/internal/session"
	"idplane.org/internal/store/pg"
	"idplane.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

// adminAuthority answers the session manager's "is this actor elevated"
// question through the RBAC engine.
type adminAuthority struct {
	engine *rbac.Engine
}

func (a adminAuthority) Elevated(ctx context.Context, actorID string) (bool, error) {
	return a.engine.HasRole(ctx, actorID, rbac.RoleAdmin)
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("IDPLANE_PG_DSN")
	if dsn == "" {
		log.Fatal("IDPLANE_PG_DSN is required")
	}
	secret := os.Getenv("IDPLANE_JWT_SECRET")
	if secret == "" {
		log.Fatal("IDPLANE_JWT_SECRET is required")
	}
	addr := os.Getenv("IDPLANE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	bus := event.NewBus()
	notifier := notify.LogNotifier{}
	recorder := buildRecorder(store)

	engine, err := rbac.NewEngine(store.Roles(), store.Permissions(), store.Users(),
		rbac.WithAudit(recorder),
		rbac.WithBus(bus),
	)
	if err != nil {
		log.Fatalf("rbac engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	manager, err := session.NewManager(store.Sessions(), loadResolver(),
		session.WithAuthority(adminAuthority{engine: engine}),
		session.WithNotifier(notifier),
		session.WithAudit(recorder),
		session.WithBus(bus),
	)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	issuer, err := token.NewIssuer(secret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	svc, err := identity.NewService(store.Users(), store.Tokens(), manager, engine, issuer,
		identity.WithDenylist(buildDenylist()),
		identity.WithNotifier(notifier),
		identity.WithAudit(recorder),
		identity.WithBus(bus),
	)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Identity: svc,
		Sessions: manager,
		RBAC:     engine,
		Bus:      bus,
		Audit:    store.Audit(),
		Probe:    httpapi.ReadyProbe{DB: store.DB()},
		Version:  version,
	})

	// Background sweep of expired sessions; lazy expiry covers the gaps.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := manager.Cleanup(ctx, ""); err != nil {
					obs.Log("error", "session cleanup failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting idplane-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

// buildRecorder selects the audit sink. The durable Postgres table is the
// default; IDPLANE_AUDIT_SINK=log routes events to the structured log stream
// instead, which is what staging environments without the audit table use.
func buildRecorder(store *pg.Store) audit.Recorder {
	if os.Getenv("IDPLANE_AUDIT_SINK") == "log" {
		return audit.LogRecorder{}
	}
	return store.Audit()
}

// buildDenylist prefers a shared Redis denylist when IDPLANE_REDIS_ADDR is
// set; single-node deployments fall back to the in-process one.
func buildDenylist() token.Denylist {
	redisAddr := os.Getenv("IDPLANE_REDIS_ADDR")
	if redisAddr == "" {
		return token.NewMemoryDenylist()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("IDPLANE_REDIS_PASSWORD"),
	})
	return token.NewRedisDenylist(client)
}

// loadResolver reads a cidr -> location JSON table from IDPLANE_GEO_TABLE.
// Without one, every lookup resolves to the zero location and risk scoring
// simply never sees a country change.
func loadResolver() geo.Resolver {
	path := os.Getenv("IDPLANE_GEO_TABLE")
	if path == "" {
		return geo.NewStaticResolver(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read geo table: %v", err)
	}
	var table map[string]geo.Location
	if err := json.Unmarshal(raw, &table); err != nil {
		log.Fatalf("parse geo table: %v", err)
	}
	return geo.NewStaticResolver(table)
}
