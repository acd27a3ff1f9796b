package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for dnslb.
type Config struct {
	Listeners     []ListenerConfig  `yaml:"listeners"`
	Backends      []BackendConfig   `yaml:"backends"`
	Policy        string            `yaml:"policy"`
	ACL           []string          `yaml:"acl"`
	Rules         []RuleConfig      `yaml:"rules"`
	ResponseRules []RuleConfig      `yaml:"response_rules"`
	API           APIConfig         `yaml:"api"`
	HealthCheck   HealthCheckConfig `yaml:"health_check"`
	Tuning        Tuning            `yaml:"tuning"`
}

// ListenerConfig describes one TCP or DoT listening endpoint.
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	TLS               *TLSConfig    `yaml:"tls,omitempty"`
	ProxyProtocolFrom []string      `yaml:"proxy_protocol_from,omitempty"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// TLSConfig holds the DoT key material for a listener. When ACMEDomain is
// set, certificates are obtained via ACME instead of loaded from disk.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ACMEDomain string `yaml:"acme_domain"`
	ACMECache  string `yaml:"acme_cache"`
}

// BackendConfig describes one downstream DNS server.
type BackendConfig struct {
	Name             string        `yaml:"name"`
	Address          string        `yaml:"address"`
	Pool             string        `yaml:"pool"`
	UseProxyProtocol bool          `yaml:"use_proxy_protocol"`
	Retries          int           `yaml:"retries"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	ReceiveTimeout   time.Duration `yaml:"receive_timeout"`
}

// RuleConfig is one entry of the query or response rule chain.
type RuleConfig struct {
	QType       string   `yaml:"qtype,omitempty"`
	QNameSuffix string   `yaml:"qname_suffix,omitempty"`
	Source      []string `yaml:"source,omitempty"`
	Rcode       string   `yaml:"rcode,omitempty"`
	Action      string   `yaml:"action"`
	Pool        string   `yaml:"pool,omitempty"`
}

// APIConfig defines the admin API endpoint.
type APIConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	Key  string `yaml:"key"`
}

// HealthCheckConfig controls the periodic backend probes.
type HealthCheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	QName            string        `yaml:"qname"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RiseThreshold    int           `yaml:"rise_threshold"`
}

// Tuning holds the engine knobs. Zero means "off" for the per-connection
// limits; the remaining fields are defaulted on load.
type Tuning struct {
	WorkerThreads              int           `yaml:"worker_threads"`
	MaxTCPQueuedConnections    int           `yaml:"max_tcp_queued_connections"`
	MaxTCPQueriesPerConn       uint64        `yaml:"max_tcp_queries_per_conn"`
	MaxTCPConnectionDuration   time.Duration `yaml:"max_tcp_connection_duration"`
	MaxTCPConnectionsPerClient int           `yaml:"max_tcp_connections_per_client"`
	DownstreamCleanupInterval  time.Duration `yaml:"downstream_cleanup_interval"`
	MaxCachedPerBackend        int           `yaml:"max_cached_per_backend"`
	MaxOversize                int           `yaml:"max_oversize"`
	RingCapacity               int           `yaml:"ring_capacity"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Policy == "" {
		cfg.Policy = "leastOutstanding"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8083
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.Timeout == 0 {
		cfg.HealthCheck.Timeout = 2 * time.Second
	}
	if cfg.HealthCheck.QName == "" {
		cfg.HealthCheck.QName = "a.root-servers.net."
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 1
	}
	if cfg.HealthCheck.RiseThreshold == 0 {
		cfg.HealthCheck.RiseThreshold = 1
	}
	if cfg.Tuning.WorkerThreads == 0 {
		cfg.Tuning.WorkerThreads = 4
	}
	if cfg.Tuning.MaxTCPQueuedConnections == 0 {
		cfg.Tuning.MaxTCPQueuedConnections = 1000
	}
	if cfg.Tuning.DownstreamCleanupInterval == 0 {
		cfg.Tuning.DownstreamCleanupInterval = 60 * time.Second
	}
	if cfg.Tuning.MaxCachedPerBackend == 0 {
		cfg.Tuning.MaxCachedPerBackend = 20
	}
	if cfg.Tuning.MaxOversize == 0 {
		cfg.Tuning.MaxOversize = 4096
	}
	if cfg.Tuning.RingCapacity == 0 {
		cfg.Tuning.RingCapacity = 10000
	}
	for i := range cfg.Listeners {
		l := &cfg.Listeners[i]
		if l.MaxInFlight == 0 {
			l.MaxInFlight = 10
		}
		if l.ReadTimeout == 0 {
			l.ReadTimeout = 2 * time.Second
		}
		if l.WriteTimeout == 0 {
			l.WriteTimeout = 2 * time.Second
		}
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Pool == "" {
			b.Pool = "default"
		}
		if b.Retries == 0 {
			b.Retries = 5
		}
		if b.ConnectTimeout == 0 {
			b.ConnectTimeout = 5 * time.Second
		}
		if b.SendTimeout == 0 {
			b.SendTimeout = 2 * time.Second
		}
		if b.ReceiveTimeout == 0 {
			b.ReceiveTimeout = 2 * time.Second
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	for i, l := range cfg.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if l.TLS != nil && l.TLS.ACMEDomain == "" {
			if l.TLS.CertFile == "" || l.TLS.KeyFile == "" {
				return fmt.Errorf("listener %q: tls requires cert_file and key_file or acme_domain", l.Address)
			}
		}
	}
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		if b.Address == "" {
			return fmt.Errorf("backend %q: address is required", b.Name)
		}
	}
	for i, r := range cfg.Rules {
		switch r.Action {
		case "drop", "refuse", "pool":
		default:
			return fmt.Errorf("rule %d: unsupported action %q (must be drop, refuse or pool)", i, r.Action)
		}
		if r.Action == "pool" && r.Pool == "" {
			return fmt.Errorf("rule %d: action pool requires a pool name", i)
		}
	}
	for i, r := range cfg.ResponseRules {
		switch r.Action {
		case "drop", "allow":
		default:
			return fmt.Errorf("response rule %d: unsupported action %q (must be drop or allow)", i, r.Action)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
