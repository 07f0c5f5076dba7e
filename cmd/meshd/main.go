// Command meshd runs one mesh node: it loads configuration, bootstraps
// or loads the node's signing identity, opens persistent storage,
// binds the transports for every configured connection module, and
// drives the node's cooperative tick loop until terminated.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/qaul-go/meshcore/internal/config"
	"github.com/qaul-go/meshcore/internal/core"
	"github.com/qaul-go/meshcore/internal/crypto"
	"github.com/qaul-go/meshcore/internal/identity"
	"github.com/qaul-go/meshcore/internal/invoker"
	"github.com/qaul-go/meshcore/internal/logging"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/transport/netlink"
	"github.com/qaul-go/meshcore/internal/types"
)

// tickInterval is the driver loop's cooperative tick period.
const tickInterval = 200 * time.Millisecond

func main() {
	log := logging.New("meshd")

	configPath := peekConfigFlag(os.Args[1:])

	fs := pflag.NewFlagSet("meshd", pflag.ExitOnError)
	fs.String("config", configPath, "path to a YAML config file")
	cfg, err := config.Load(fs, os.Args[1:], configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	node, closeFn, err := bootstrapNode(cfg, log)
	if err != nil {
		log.Fatalf("bootstrap node: %v", err)
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	node.Run(ctx, tickInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("shutting down")
	cancel()
	node.Stop()
}

// bootstrapNode loads or creates the node's identity, opens storage,
// wires metrics and the lan transport, and constructs a core.Node
// (the caller starts its loop with Run) — the shared setup path for
// both the CLI entrypoint above and the C ABI's start() in cabi.go.
func bootstrapNode(cfg config.Config, log types.Logger) (*core.Node, func(), error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create storage path %s: %w", cfg.StoragePath, err)
	}

	id, err := loadOrCreateIdentity(cfg.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}
	log.Infof("node identity: %s", id.ID())

	kv, err := storage.Open(filepath.Join(cfg.StoragePath, "meshcore.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricsSet := metrics.New(reg)

	node := core.New(id, cfg, kv, metricsSet, log, invoker.New())

	lan, err := netlink.Listen(id.ID(), cfg.ListenAddr)
	if err != nil {
		kv.Close()
		return nil, nil, fmt.Errorf("start lan transport on %s: %w", cfg.ListenAddr, err)
	}
	node.RegisterTransport(types.ModuleLan, lan)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	closeFn := func() {
		lan.Close()
		kv.Close()
	}
	return node, closeFn, nil
}

// peekConfigFlag extracts --config's value, if present, without
// binding the rest of the flag set yet: config.Load needs the path
// before it can register every other flag.
func peekConfigFlag(args []string) string {
	fs := pflag.NewFlagSet("meshd-peek", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "meshd.yaml", "")
	_ = fs.Parse(args)
	return *path
}

func serveMetrics(addr string, reg *prometheus.Registry, log types.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server on %s exited: %v", addr, err)
	}
}

// identityFile is the JSON-encoded keypair persisted under a node's
// storage path, generated on first run.
type identityFile struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

func loadOrCreateIdentity(storagePath string) (*identity.Identity, error) {
	path := filepath.Join(storagePath, "identity.json")

	raw, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		keys := crypto.KeyPair{Public: ed25519.PublicKey(f.Public), Private: ed25519.PrivateKey(f.Private)}
		return identity.Init(keys)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	raw, err = json.Marshal(identityFile{Public: keys.Public, Private: keys.Private})
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return identity.Init(keys)
}
