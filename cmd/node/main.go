// Command node runs JULEA's server process: for each backend kind
// ([object], [kv], [db]) configured with component=server in the INI
// config file, it loads the named driver, binds a listener, and serves
// framed requests until shutdown.
//
// Required environment:
//   - JULEA_CONFIG or the XDG search path (see internal/config) must
//     resolve to a readable INI file.
//
// Optional environment, one per backend kind (a kind not configured
// with component=server is simply not served by this process, so
// object, kv, and db can run as one combined process or three separate
// ones):
//   - NODE_OBJECT_LISTEN (default ":8710" if [object] is a server)
//   - NODE_KV_LISTEN (default ":8711" if [kv] is a server)
//   - NODE_DB_LISTEN (default ":8712" if [db] is a server)
//   - NODE_METRICS_LISTEN (default ":9090")
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juleago/julea/internal/backend"
	_ "github.com/juleago/julea/internal/backend/driver/memory"
	_ "github.com/juleago/julea/internal/backend/driver/mongo"
	_ "github.com/juleago/julea/internal/backend/driver/redis"
	_ "github.com/juleago/julea/internal/backend/driver/s3"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/message"
	"github.com/juleago/julea/internal/server"
	"github.com/juleago/julea/internal/stats"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

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

	coll := stats.New(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	started := 0
	for _, kind := range []message.Kind{message.KindObject, message.KindKV, message.KindDB} {
		bc, listenEnv, defaultPort := kindConfig(cfg, kind)
		if bc.Backend == "" || bc.Component != config.ComponentServer {
			continue
		}
		addr := getenv(listenEnv, defaultPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logFatal("listen %s for %s: %v", addr, kind, err)
			return
		}
		srv, err := newServerFor(cfg, backend.DefaultRegistry, kind, bc, coll, listenPort(addr))
		if err != nil {
			logFatal("load %s backend %q: %v", kind, bc.Backend, err)
			return
		}
		log.Printf("node: serving %s on %s via backend %q", kind, addr, bc.Backend)
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil {
				log.Printf("node: serve %s: %v", kind, err)
			}
		}()
	}
	if started == 0 {
		logFatal("node: no backend kind is configured with component=server in %s", cfgPath)
		return
	}

	metricsAddr := getenv("NODE_METRICS_LISTEN", ":9090")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("node: metrics on %s", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("node: metrics server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Println("node stopped")
}

// kindConfig returns the configured BackendConfig for kind along with
// the environment variable name and default listen address used to
// bind its server.
func kindConfig(cfg *config.Configuration, kind message.Kind) (config.BackendConfig, string, string) {
	switch kind {
	case message.KindObject:
		return cfg.Object, "NODE_OBJECT_LISTEN", ":8710"
	case message.KindKV:
		return cfg.KV, "NODE_KV_LISTEN", ":8711"
	default:
		return cfg.DB, "NODE_DB_LISTEN", ":8712"
	}
}

// newServerFor loads kind's backend driver for server use and wraps it
// in a server.Server ready to Serve a listener.
func newServerFor(cfg *config.Configuration, reg *backend.Registry, kind message.Kind, bc config.BackendConfig, coll *stats.Collector, port int) (*server.Server, error) {
	drv, err := reg.LoadServer(bc.Backend, kind)
	if err != nil {
		return nil, err
	}
	srv := &server.Server{Kind: kind, MaxOperationSize: cfg.MaxOperationSize, Stats: coll}
	switch kind {
	case message.KindObject:
		ob := drv.(backend.ObjectBackend)
		h, err := ob.Init(context.Background(), bc.Expand(port))
		if err != nil {
			return nil, err
		}
		srv.ObjectBackend, srv.ObjectHandle = ob, h
	case message.KindKV:
		kb := drv.(backend.KVBackend)
		h, err := kb.Init(context.Background(), bc.Expand(port))
		if err != nil {
			return nil, err
		}
		srv.KVBackend, srv.KVHandle = kb, h
	case message.KindDB:
		db := drv.(backend.DBBackend)
		h, err := db.Init(context.Background(), bc.Expand(port))
		if err != nil {
			return nil, err
		}
		srv.DBBackend, srv.DBHandle = db, h
	}
	return srv, nil
}

// listenPort extracts the numeric port from a "host:port" or ":port"
// listen address, for BackendConfig.Expand's "{PORT}" substitution. It
// returns 0 if addr carries no parseable port, which Expand leaves as
// a literal "0" rather than failing — a driver whose path template has
// no "{PORT}" placeholder never notices.
func listenPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return p
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
