package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of the engine configuration. A new
// Snapshot is published on every change; fields are never mutated in
// place.
type Snapshot struct {
	HTTPAddr        string `yaml:"http_addr"`
	NATSURL         string `yaml:"nats_url"`
	LogLevel        string `yaml:"log_level"`
	WebhookURL      string `yaml:"webhook_url"`
	EventSchemaPath string `yaml:"event_schema_path"`

	// Flow tracker.
	FlowShards         int           `yaml:"flow_shards"`
	FlowShardCapacity  int           `yaml:"flow_shard_capacity"`
	FlowIdleTimeout    time.Duration `yaml:"flow_idle_timeout"`
	FlowSweepInterval  time.Duration `yaml:"flow_sweep_interval"`
	FlowInterimMinRate float64       `yaml:"flow_interim_min_rate"`

	// Pipeline worker pools and channel depths.
	IngestWorkers int `yaml:"ingest_workers"`
	DetectWorkers int `yaml:"detect_workers"`
	QueueDepth    int `yaml:"queue_depth"`

	// Detection.
	SignatureDir        string        `yaml:"signature_dir"`
	SignatureHotReload  bool          `yaml:"signature_hot_reload"`
	SignatureDebounceMs int           `yaml:"signature_debounce_ms"`
	BaselineDecay       float64       `yaml:"baseline_decay"`
	ThresholdMaxStep    float64       `yaml:"threshold_max_step"`
	ModelTimeout        time.Duration `yaml:"model_timeout"`

	// Threat intel feed.
	IntelFile            string        `yaml:"intel_file"`
	IntelURL             string        `yaml:"intel_url"`
	IntelRefreshInterval time.Duration `yaml:"intel_refresh_interval"`

	// Response orchestrator.
	ActionDeadline     time.Duration `yaml:"action_deadline"`
	ActionMaxAttempts  int           `yaml:"action_max_attempts"`
	ActionRetryBase    time.Duration `yaml:"action_retry_base"`
	ActionTTL          time.Duration `yaml:"action_ttl"`
	ActionDedupeCap    int           `yaml:"action_dedupe_cap"`
	AlertMinSeverity   string        `yaml:"alert_min_severity"`
	RespondMinSeverity string        `yaml:"respond_min_severity"`

	// Audit recorder.
	AuditPath          string `yaml:"audit_path"`
	AuditPostgresDSN   string `yaml:"audit_postgres_dsn"`
	AuditBufferSize    int    `yaml:"audit_buffer_size"`
	AuditOverflowNote  int    `yaml:"audit_overflow_note"`
	RecentFlowsCap     int    `yaml:"recent_flows_cap"`
	RecentVerdictsCap  int    `yaml:"recent_verdicts_cap"`
}

// FromEnv builds a Snapshot from FLOWGUARD_* environment variables
// with defaults suitable for a single-node deployment.
func FromEnv() *Snapshot {
	return &Snapshot{
		HTTPAddr:        getEnv("FLOWGUARD_HTTP_ADDR", ":8080"),
		NATSURL:         getEnv("FLOWGUARD_NATS_URL", "nats://localhost:4222"),
		LogLevel:        getEnv("FLOWGUARD_LOG_LEVEL", "info"),
		WebhookURL:      getEnv("FLOWGUARD_WEBHOOK_URL", ""),
		EventSchemaPath: getEnv("FLOWGUARD_EVENT_SCHEMA", "schemas/packet_event.json"),

		FlowShards:         getEnvInt("FLOWGUARD_FLOW_SHARDS", 16),
		FlowShardCapacity:  getEnvInt("FLOWGUARD_FLOW_SHARD_CAPACITY", 65536),
		FlowIdleTimeout:    getEnvDuration("FLOWGUARD_FLOW_IDLE_TIMEOUT", 30*time.Second),
		FlowSweepInterval:  getEnvDuration("FLOWGUARD_FLOW_SWEEP_INTERVAL", 5*time.Second),
		FlowInterimMinRate: getEnvFloat("FLOWGUARD_FLOW_INTERIM_MIN_RATE", 1000),

		IngestWorkers: getEnvInt("FLOWGUARD_INGEST_WORKERS", 4),
		DetectWorkers: getEnvInt("FLOWGUARD_DETECT_WORKERS", 2),
		QueueDepth:    getEnvInt("FLOWGUARD_QUEUE_DEPTH", 4096),

		SignatureDir:        getEnv("FLOWGUARD_SIGNATURE_DIR", "signatures.d"),
		SignatureHotReload:  strings.ToLower(getEnv("FLOWGUARD_SIGNATURE_HOT_RELOAD", "true")) == "true",
		SignatureDebounceMs: getEnvInt("FLOWGUARD_SIGNATURE_DEBOUNCE_MS", 1000),
		BaselineDecay:       getEnvFloat("FLOWGUARD_BASELINE_DECAY", 0.05),
		ThresholdMaxStep:    getEnvFloat("FLOWGUARD_THRESHOLD_MAX_STEP", 0.05),
		ModelTimeout:        getEnvDuration("FLOWGUARD_MODEL_TIMEOUT", 20*time.Millisecond),

		IntelFile:            getEnv("FLOWGUARD_INTEL_FILE", ""),
		IntelURL:             getEnv("FLOWGUARD_INTEL_URL", ""),
		IntelRefreshInterval: getEnvDuration("FLOWGUARD_INTEL_REFRESH_INTERVAL", 15*time.Minute),

		ActionDeadline:     getEnvDuration("FLOWGUARD_ACTION_DEADLINE", 100*time.Millisecond),
		ActionMaxAttempts:  getEnvInt("FLOWGUARD_ACTION_MAX_ATTEMPTS", 2),
		ActionRetryBase:    getEnvDuration("FLOWGUARD_ACTION_RETRY_BASE", 50*time.Millisecond),
		ActionTTL:          getEnvDuration("FLOWGUARD_ACTION_TTL", time.Hour),
		ActionDedupeCap:    getEnvInt("FLOWGUARD_ACTION_DEDUPE_CAP", 10000),
		AlertMinSeverity:   getEnv("FLOWGUARD_ALERT_MIN_SEVERITY", "high"),
		RespondMinSeverity: getEnv("FLOWGUARD_RESPOND_MIN_SEVERITY", "medium"),

		AuditPath:         getEnv("FLOWGUARD_AUDIT_PATH", "audit.jsonl"),
		AuditPostgresDSN:  getEnv("FLOWGUARD_AUDIT_POSTGRES_DSN", ""),
		AuditBufferSize:   getEnvInt("FLOWGUARD_AUDIT_BUFFER_SIZE", 8192),
		AuditOverflowNote: getEnvInt("FLOWGUARD_AUDIT_OVERFLOW_NOTE", 100),
		RecentFlowsCap:    getEnvInt("FLOWGUARD_RECENT_FLOWS_CAP", 10000),
		RecentVerdictsCap: getEnvInt("FLOWGUARD_RECENT_VERDICTS_CAP", 10000),
	}
}

// LoadFile overlays values from a YAML file onto the snapshot and
// returns the merged copy. Missing file is not an error when the path
// came from the default.
func (s *Snapshot) LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	merged := *s
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &merged, nil
}

// SlogLevel maps the configured log level string onto a slog.Level.
func (s *Snapshot) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Manager publishes configuration snapshots to subscribers. Readers
// always observe a complete snapshot, never a partial update.
type Manager struct {
	mu          sync.RWMutex
	current     *Snapshot
	subscribers []func(*Snapshot)
	logger      *slog.Logger
}

// NewManager creates a manager seeded with the given snapshot.
func NewManager(initial *Snapshot, logger *slog.Logger) *Manager {
	return &Manager{
		current: initial,
		logger:  logger,
	}
}

// Current returns a copy of the active snapshot.
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.current
	return &cfg
}

// Subscribe registers a callback invoked on every published update.
func (m *Manager) Subscribe(callback func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// Update publishes a new snapshot and notifies subscribers.
func (m *Manager) Update(next *Snapshot) {
	m.mu.Lock()
	m.current = next
	subs := make([]func(*Snapshot), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("Configuration updated", "http_addr", next.HTTPAddr, "log_level", next.LogLevel)
	for _, cb := range subs {
		cfg := *next
		cb(&cfg)
	}
}

// WatchFile polls the config file's mtime and republishes a merged
// snapshot through Update whenever it changes. The overlay merges
// onto the current snapshot, so a key removed from the file keeps its
// last published value until restart.
func (m *Manager) WatchFile(ctx context.Context, path string, interval time.Duration) {
	go func() {
		var lastMod time.Time
		if st, err := os.Stat(path); err == nil {
			lastMod = st.ModTime()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			st, err := os.Stat(path)
			if err != nil || !st.ModTime().After(lastMod) {
				continue
			}
			lastMod = st.ModTime()
			next, err := m.Current().LoadFile(path)
			if err != nil {
				m.logger.Warn("Config file reload failed", "path", path, "error", err)
				continue
			}
			m.Update(next)
		}
	}()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
