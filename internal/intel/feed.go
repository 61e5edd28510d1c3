package intel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the loaded threat indicators.
// Readers hold a reference; refreshes swap in a whole new snapshot.
type Snapshot struct {
	Addrs     map[netip.Addr]string
	CIDRs     []cidrEntry
	FetchedAt time.Time
}

type cidrEntry struct {
	prefix netip.Prefix
	list   string
}

// Match returns the indicator list name containing addr, if any.
func (s *Snapshot) Match(addr netip.Addr) (string, bool) {
	if s == nil {
		return "", false
	}
	if list, ok := s.Addrs[addr]; ok {
		return list, true
	}
	for _, e := range s.CIDRs {
		if e.prefix.Contains(addr) {
			return e.list, true
		}
	}
	return "", false
}

// Len returns the indicator count.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Addrs) + len(s.CIDRs)
}

// Feed loads known-bad indicators from a local file and/or an HTTP
// source, refreshing on an interval. Process-wide state with explicit
// init/refresh/teardown; the detector only ever sees immutable
// snapshots.
type Feed struct {
	filePath string
	url      string
	interval time.Duration
	httpc    *http.Client
	logger   *slog.Logger

	cur atomic.Pointer[Snapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFeed creates a feed; empty sources produce an empty snapshot.
func NewFeed(filePath, url string, interval time.Duration, logger *slog.Logger) *Feed {
	f := &Feed{
		filePath: filePath,
		url:      url,
		interval: interval,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
	f.cur.Store(&Snapshot{Addrs: map[netip.Addr]string{}})
	return f
}

// Init performs the initial load. A failed source is logged and
// skipped; the feed starts empty rather than blocking startup.
func (f *Feed) Init(ctx context.Context) error {
	return f.Refresh(ctx)
}

// Start launches the periodic refresh loop.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil || f.interval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go func() {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := f.Refresh(loopCtx); err != nil {
					f.logger.Warn("Threat intel refresh failed", "error", err)
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Close stops the refresh loop.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Current returns the active indicator snapshot.
func (f *Feed) Current() *Snapshot {
	return f.cur.Load()
}

// Refresh reloads all sources and atomically swaps the snapshot.
func (f *Feed) Refresh(ctx context.Context) error {
	next := &Snapshot{Addrs: map[netip.Addr]string{}, FetchedAt: time.Now()}

	if f.filePath != "" {
		if err := f.loadFile(next, f.filePath); err != nil {
			f.logger.Warn("Failed to load intel file", "path", f.filePath, "error", err)
		}
	}
	if f.url != "" {
		if err := f.loadURL(ctx, next, f.url); err != nil {
			f.logger.Warn("Failed to fetch intel URL", "url", f.url, "error", err)
		}
	}

	f.cur.Store(next)
	f.logger.Info("Threat intel snapshot refreshed", "indicators", next.Len())
	return nil
}

func (f *Feed) loadFile(snap *Snapshot, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return scanIndicatorLines(fh, "file:"+path, snap)
}

func (f *Feed) loadURL(ctx context.Context, snap *Snapshot, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return scanIndicatorLines(resp.Body, "url:"+url, snap)
}

// scanIndicatorLines parses one indicator per line: a bare address or
// a CIDR. Blank lines and #-comments are skipped.
func scanIndicatorLines(r io.Reader, list string, snap *Snapshot) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if addr, err := netip.ParseAddr(line); err == nil {
			snap.Addrs[addr] = list
			continue
		}
		if pfx, err := netip.ParsePrefix(line); err == nil {
			snap.CIDRs = append(snap.CIDRs, cidrEntry{prefix: pfx.Masked(), list: list})
		}
	}
	return scanner.Err()
}
