// Command coordinator runs JULEA's client-side process: it loads a
// Configuration, builds a julea.Client against it (in-process backends
// where a driver supports the client component, connection pools to
// object/kv/db servers otherwise), and exposes the three object
// facades over a small HTTP gateway for callers that would otherwise
// need to link this package directly.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              coordinator                 │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /kv/{ns}/{key}       - KV put/get/delete │
//	│    /kv/{ns}             - KV prefix listing │
//	│    /object/{ns}/{path}  - DistributedObject read/write │
//	│    /db/{ns}/schema/{name} - DBSchema create/get/delete │
//	│    /db/{ns}/rows/{table}  - DBEntry insert/update/delete │
//	│    /db/{ns}/rows/{table}/query - DBEntry query │
//	│    /health              - health check   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    julea.Client  - resolved facade routing │
//	│    connpool.Pool - per-kind connection pools (network path) │
//	│    opcache.Cache - shared eventual-consistency cache │
//	└─────────────────────────────────────────┘
//
// Required environment:
//   - JULEA_CONFIG or the XDG search path (see internal/config) must
//     resolve to a readable INI file.
//
// Optional environment:
//   - COORDINATOR_ADDR: HTTP listen address (default ":8080")
//   - COORDINATOR_CACHE_BYTES: opcache arena size (default 64MiB)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juleago/julea/internal/backend"
	_ "github.com/juleago/julea/internal/backend/driver/memory"
	_ "github.com/juleago/julea/internal/backend/driver/mongo"
	_ "github.com/juleago/julea/internal/backend/driver/redis"
	_ "github.com/juleago/julea/internal/backend/driver/s3"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/connpool"
	"github.com/juleago/julea/internal/julea"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/opcache"
	"github.com/juleago/julea/internal/stats"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const defaultCacheBytes = 64 * 1024 * 1024

func main() {
	cfgPath := os.Getenv("JULEA_CONFIG")
	if cfgPath == "" {
		resolved, err := config.ResolvePath("julea")
		if err != nil {
			logFatal("resolve config path: %v", err)
			return
		}
		cfgPath = resolved
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logFatal("load config %s: %v", cfgPath, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coll := stats.New(prometheus.DefaultRegisterer)
	cache := opcache.New(ctx, getenvUint("COORDINATOR_CACHE_BYTES", defaultCacheBytes))
	pools := buildPools(cfg)
	for _, p := range []*connpool.Pool{pools.Object, pools.KV, pools.DB} {
		if p != nil {
			go p.Monitor(ctx, 30*time.Second)
		}
	}

	client, err := julea.NewClient(ctx, cfg, backend.DefaultRegistry, pools, cache, coll)
	if err != nil {
		logFatal("build client: %v", err)
		return
	}

	gw := &gateway{client: client, numObjectServers: serverCount(cfg.ServersObject)}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/kv/", gw.handleKV)
	mux.HandleFunc("/object/", gw.handleObject)
	mux.HandleFunc("/db/", gw.handleDB)

	addr := getenv("COORDINATOR_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("coordinator stopped")
}

// buildPools constructs a connection pool per backend kind for every
// kind with one or more servers listed — julea.NewClient only consults
// a pool when no client-side driver was loaded in-process, so building
// one unconditionally here is harmless for purely in-process
// configurations.
func buildPools(cfg *config.Configuration) julea.Pools {
	dial := connpool.NetDialer()
	var pools julea.Pools
	if len(cfg.ServersObject) > 0 {
		pools.Object = connpool.New(message.KindObject, cfg.ServersObject, cfg.MaxConnections, dial)
	}
	if len(cfg.ServersKV) > 0 {
		pools.KV = connpool.New(message.KindKV, cfg.ServersKV, cfg.MaxConnections, dial)
	}
	if len(cfg.ServersDB) > 0 {
		pools.DB = connpool.New(message.KindDB, cfg.ServersDB, cfg.MaxConnections, dial)
	}
	return pools
}

// serverCount returns len(addrs), or 1 if addrs is empty — a
// client-side in-process object backend still needs a DistributedObject
// built with at least one server slot.
func serverCount(addrs []string) int {
	if len(addrs) == 0 {
		return 1
	}
	return len(addrs)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvUint(k string, def uint64) uint64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// gateway adapts julea.Client's facades to HTTP, one handler per
// facade, each building a single-semantics batch per request and
// executing it synchronously before replying.
type gateway struct {
	client           *julea.Client
	numObjectServers int
}

// splitPath splits the trailing segment of urlPath after prefix into
// exactly n non-empty components, or returns ok=false.
func splitPath(urlPath, prefix string, n int) (parts []string, ok bool) {
	rest := strings.TrimPrefix(urlPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil, false
	}
	parts = strings.SplitN(rest, "/", n)
	if len(parts) != n {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}
