package detect

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/flowguard/internal/model"
)

// SignatureMetadata identifies a signature rule.
type SignatureMetadata struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Conditions are the deterministic thresholds a flow must meet for
// the signature to fire. Zero-valued fields are not checked.
type Conditions struct {
	MinPacketsPerSec float64  `yaml:"min_packets_per_sec" json:"min_packets_per_sec"`
	MinBytesPerSec   float64  `yaml:"min_bytes_per_sec" json:"min_bytes_per_sec"`
	MinPortEntropy   float64  `yaml:"min_port_entropy" json:"min_port_entropy"`
	MinNovelDestRate float64  `yaml:"min_novel_dest_rate" json:"min_novel_dest_rate"`
	MinByteAsymmetry float64  `yaml:"min_byte_asymmetry" json:"min_byte_asymmetry"`
	RequireSynNoAck  bool     `yaml:"require_syn_no_ack" json:"require_syn_no_ack"`
	DstPorts         []uint16 `yaml:"dst_ports" json:"dst_ports"`
	Protocols        []string `yaml:"protocols" json:"protocols"`
	// IntelMatch requires an endpoint to appear in the loaded
	// threat-intel snapshot.
	IntelMatch bool `yaml:"intel_match" json:"intel_match"`
}

// SignatureSpec is the rule body.
type SignatureSpec struct {
	Enabled    bool                 `yaml:"enabled" json:"enabled"`
	Category   model.ThreatCategory `yaml:"category" json:"category"`
	Severity   string               `yaml:"severity" json:"severity"`
	Confidence float64              `yaml:"confidence" json:"confidence"`
	When       Conditions           `yaml:"when" json:"when"`
}

// Signature is one indicator-of-compromise rule.
type Signature struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   SignatureMetadata `yaml:"metadata" json:"metadata"`
	Spec       SignatureSpec     `yaml:"spec" json:"spec"`
	SourceFile string            `json:"source_file,omitempty"`
}

// Validate checks required fields.
func (s *Signature) Validate() error {
	if s.Metadata.ID == "" {
		return fmt.Errorf("metadata.id: signature ID is required")
	}
	if s.Spec.Category == "" {
		return fmt.Errorf("spec.category: category is required")
	}
	if s.Spec.Confidence < 0.0 || s.Spec.Confidence > 1.0 {
		return fmt.Errorf("spec.confidence: must be between 0.0 and 1.0")
	}
	switch s.Spec.Severity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("spec.severity: invalid severity, must be low/medium/high/critical")
	}
	return nil
}

// Matches evaluates the signature conditions against a feature map.
func (s *Signature) Matches(vals map[string]float64, rec model.FlowRecord, intelHit bool) bool {
	w := s.Spec.When
	if w.MinPacketsPerSec > 0 && vals[FeaturePacketsPerSec] < w.MinPacketsPerSec {
		return false
	}
	if w.MinBytesPerSec > 0 && vals[FeatureBytesPerSec] < w.MinBytesPerSec {
		return false
	}
	if w.MinPortEntropy > 0 && vals[FeaturePortEntropy] < w.MinPortEntropy {
		return false
	}
	if w.MinNovelDestRate > 0 && vals[FeatureNovelDestRate] < w.MinNovelDestRate {
		return false
	}
	if w.MinByteAsymmetry > 0 && vals[FeatureByteAsymmetry] < w.MinByteAsymmetry {
		return false
	}
	if w.RequireSynNoAck && vals[FeatureSynNoAck] < 1 {
		return false
	}
	if len(w.DstPorts) > 0 && !containsPort(w.DstPorts, rec.Key.DstPort) {
		return false
	}
	if len(w.Protocols) > 0 && !containsString(w.Protocols, rec.Key.Proto.String()) {
		return false
	}
	if w.IntelMatch && !intelHit {
		return false
	}
	return true
}

func containsPort(ports []uint16, p uint16) bool {
	for _, v := range ports {
		if v == p {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// SignatureSnapshot is an immutable set of loaded signatures.
type SignatureSnapshot struct {
	Signatures []Signature
	Version    int64
}

// DefaultSignatures are the built-in indicators used when no
// signature directory is present.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Metadata: SignatureMetadata{ID: "sig-ddos-flood", Name: "High-rate packet flood"},
			Spec: SignatureSpec{
				Enabled: true, Category: model.CategoryDDoS, Severity: "critical", Confidence: 0.9,
				When: Conditions{MinPacketsPerSec: 5000},
			},
		},
		{
			Metadata: SignatureMetadata{ID: "sig-port-scan", Name: "Destination port sweep"},
			Spec: SignatureSpec{
				Enabled: true, Category: model.CategoryPortScan, Severity: "high", Confidence: 0.85,
				When: Conditions{MinPortEntropy: 3.5, MinPacketsPerSec: 50},
			},
		},
		{
			Metadata: SignatureMetadata{ID: "sig-syn-scan", Name: "SYN probe without handshake"},
			Spec: SignatureSpec{
				Enabled: true, Category: model.CategoryPortScan, Severity: "medium", Confidence: 0.7,
				When: Conditions{RequireSynNoAck: true, MinNovelDestRate: 0.8},
			},
		},
		{
			Metadata: SignatureMetadata{ID: "sig-exfil-upload", Name: "Sustained outbound-heavy transfer"},
			Spec: SignatureSpec{
				Enabled: true, Category: model.CategoryExfiltration, Severity: "high", Confidence: 0.8,
				When: Conditions{MinByteAsymmetry: 0.9, MinBytesPerSec: 1_000_000},
			},
		},
		{
			Metadata: SignatureMetadata{ID: "sig-intel-c2", Name: "Known C2 indicator contact"},
			Spec: SignatureSpec{
				Enabled: true, Category: model.CategoryC2Beacon, Severity: "critical", Confidence: 0.95,
				When: Conditions{IntelMatch: true},
			},
		},
	}
}

// Loader loads signature rules from a directory of YAML files with
// optional polling-based hot reload.
type Loader struct {
	dir        string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger

	mu       sync.RWMutex
	snapshot *SignatureSnapshot
	stop     chan struct{}
	stopOnce sync.Once
	lastMod  time.Time
}

// NewLoader creates a signature loader.
func NewLoader(dir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		dir:        dir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// LoadSnapshot loads all signature files, falling back to the
// built-in defaults when the directory does not exist.
func (l *Loader) LoadSnapshot() (*SignatureSnapshot, error) {
	var sigs []Signature

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read signature dir %s: %w", l.dir, err)
		}
		l.logger.Info("Signature directory missing, using built-in signatures", "dir", l.dir)
		sigs = DefaultSignatures()
	} else {
		var latest time.Time
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			path := filepath.Join(l.dir, name)
			loaded, err := loadSignatureFile(path)
			if err != nil {
				l.logger.Warn("Failed to load signature file", "file", path, "error", err)
				continue
			}
			if info, err := entry.Info(); err == nil && info.ModTime().After(latest) {
				latest = info.ModTime()
			}
			for _, sig := range loaded {
				if !sig.Spec.Enabled {
					continue
				}
				if err := sig.Validate(); err != nil {
					l.logger.Warn("Invalid signature skipped", "signature_id", sig.Metadata.ID, "file", path, "error", err)
					continue
				}
				sig.SourceFile = path
				sigs = append(sigs, sig)
			}
		}
		l.lastMod = latest
		if len(sigs) == 0 {
			l.logger.Warn("No valid signatures in directory, using built-in signatures", "dir", l.dir)
			sigs = DefaultSignatures()
		}
	}

	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Metadata.ID < sigs[j].Metadata.ID })
	snap := &SignatureSnapshot{Signatures: sigs, Version: time.Now().UnixNano()}

	l.mu.Lock()
	l.snapshot = snap
	l.mu.Unlock()

	l.logger.Info("Signature snapshot loaded", "count", len(sigs))
	return snap, nil
}

// GetSnapshot returns the active signature snapshot.
func (l *Loader) GetSnapshot() *SignatureSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// WatchForChanges starts a polling watcher that reloads the snapshot
// after the directory's newest modification time changes and the
// debounce interval has elapsed.
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		return nil
	}
	go func() {
		ticker := time.NewTicker(time.Duration(l.debounceMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if l.dirChanged() {
					if _, err := l.LoadSnapshot(); err != nil {
						l.logger.Error("Signature reload failed", "error", err)
					}
				}
			case <-l.stop:
				return
			}
		}
	}()
	return nil
}

// StopWatching stops the polling watcher.
func (l *Loader) StopWatching() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loader) dirChanged() bool {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return false
	}
	var latest time.Time
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	l.mu.RLock()
	changed := latest.After(l.lastMod)
	l.mu.RUnlock()
	return changed
}

// loadSignatureFile parses one YAML file that may hold multiple
// documents.
func loadSignatureFile(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sigs []Signature
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	for {
		var sig Signature
		if err := dec.Decode(&sig); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return sigs, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
