package daemon

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dmorch/pkg/backend"
	"dmorch/pkg/config"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/notify"
	"dmorch/pkg/pool"
	"dmorch/pkg/security"
	"dmorch/pkg/staging"
	"dmorch/pkg/storage"
)

// DefaultDataDir is where the request store lives unless configured
// otherwise.
const DefaultDataDir = "/var/lib/dmorch"

// Exit codes shared by every daemon binary.
const (
	ExitOK             = 0
	ExitAlreadyRunning = 3
	ExitSetupFailure   = 4
)

// Runtime is everything a daemon binary needs wired before its loop
// starts: configuration, store, manager, backends, staging areas,
// connection pool, secrets and the notification broker.
type Runtime struct {
	Cfg      *config.Config
	Store    *storage.BoltStore
	Mgr      *manager.Manager
	Staging  *staging.Manager
	Pool     *pool.Pool
	Backends map[string]backend.Backend
	Secrets  *security.SecretsManager
	Broker   *notify.Broker

	collector *metrics.Collector
	metricsLn *http.Server
	pidfile   string
}

// NewRuntime loads configuration, initialises logging for the named
// daemon, opens the store and builds every configured backend (or only
// onlyBackend, when non-empty). Any error here is a setup failure; the
// caller exits with ExitSetupFailure.
func NewRuntime(cfgPath, daemonName, onlyBackend string) (*Runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	proc := cfg.Process(daemonName)
	log.Init(log.Config{Level: log.Level(proc.LogLevel)})

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backends := make(map[string]backend.Backend)
	for _, id := range cfg.BackendIDs() {
		if onlyBackend != "" && id != onlyBackend {
			continue
		}
		bcfg, err := cfg.ToBackendConfig(id)
		if err != nil {
			store.Close()
			return nil, err
		}
		b, err := backend.New(cfg.Backends[id].Kind, bcfg)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build backend %q: %w", id, err)
		}
		backends[id] = b
	}
	if len(backends) == 0 {
		store.Close()
		return nil, fmt.Errorf("no backends selected (backend=%q)", onlyBackend)
	}

	var secrets *security.SecretsManager
	if cfg.KeyFile != "" {
		secrets, err = security.LoadSiteKey(cfg.KeyFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load site key: %w", err)
		}
	}

	stagingMgr, err := staging.NewManager(cfg.StagingDir, cfg.VerifyDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("staging areas: %w", err)
	}

	rt := &Runtime{
		Cfg:      cfg,
		Store:    store,
		Mgr:      manager.New(store, daemonName),
		Staging:  stagingMgr,
		Pool:     pool.New(),
		Backends: backends,
		Secrets:  secrets,
		Broker:   notify.NewBroker(notify.LogSink{}, store),
	}

	if err := rt.validateCredentials(); err != nil {
		store.Close()
		return nil, err
	}

	rt.Broker.Start()
	rt.collector = metrics.NewCollector(store)
	rt.collector.Start()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		rt.metricsLn = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := rt.metricsLn.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger := log.WithComponent(daemonName)
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	return rt, nil
}

// validateCredentials fails fast when a backend's credentials file is
// missing a key its RequiredCredentials demands, rather than discovering
// it mid-transfer.
func (r *Runtime) validateCredentials() error {
	for id, b := range r.Backends {
		required := b.RequiredCredentials()
		if len(required) == 0 {
			continue
		}
		path := r.Cfg.Backends[id].CredentialsFile
		if path == "" {
			return fmt.Errorf("backend %q requires credentials %v but no CREDENTIALS_FILE is configured", id, required)
		}
		set, err := security.ParseCredentialFile(path)
		if err != nil {
			return fmt.Errorf("backend %q: %w", id, err)
		}
		if err := set.RequireKeys(required); err != nil {
			return fmt.Errorf("backend %q: %w", id, err)
		}
	}
	return nil
}

// Credentials resolves the plaintext credential set for a backend:
// parse its configured credentials file and unseal each required value
// with the site key. Backends with no credential requirements get an
// empty set.
func (r *Runtime) Credentials(b backend.Backend) (security.CredentialSet, error) {
	required := b.RequiredCredentials()
	if len(required) == 0 {
		return security.CredentialSet{}, nil
	}
	path := r.Cfg.Backends[b.ID()].CredentialsFile
	sealed, err := security.ParseCredentialFile(path)
	if err != nil {
		return nil, err
	}
	if r.Secrets == nil {
		return sealed, nil // no site key configured: values are stored plain
	}
	plain := security.CredentialSet{}
	for _, key := range required {
		value, err := sealed.Unseal(r.Secrets, key)
		if err != nil {
			return nil, fmt.Errorf("unseal %q: %w", key, err)
		}
		plain[key] = value
	}
	return plain, nil
}

// Close tears the runtime down in reverse construction order.
func (r *Runtime) Close() {
	if r.metricsLn != nil {
		_ = r.metricsLn.Close()
	}
	if r.collector != nil {
		r.collector.Stop()
	}
	r.Broker.Stop()
	_ = r.Store.Close()
	r.ReleasePidfile()
}

// WaitForShutdown blocks until SIGINT, SIGHUP or SIGTERM.
func WaitForShutdown() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	return <-ch
}
