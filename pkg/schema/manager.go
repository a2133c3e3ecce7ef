package schema

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/deltaforge/deltaforge/pkg/failure"
)

// ManagerConfig configures the schema manager client.
type ManagerConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`
}

func (cfg *ManagerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "Schema manager base URL.")
	cfg.Timeout = 10 * time.Second
	cfg.HedgeRequestsUpTo = 2
}

// Manager fetches canonical schemas by logical name from an HTTP schema
// service and caches them by name+version. Cached entries survive manager
// outages; only a cold miss during an outage is surfaced to the pipeline.
type Manager struct {
	cfg    ManagerConfig
	logger log.Logger
	client *http.Client

	mtx    sync.RWMutex
	latest map[string]*Schema         // name -> latest fetched
	byVer  map[string]map[int]*Schema // name -> version -> schema
}

// NewManager builds a schema manager client. Requests are hedged the same way
// object-store reads are when hedging is configured.
func NewManager(cfg ManagerConfig, logger log.Logger) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("schema manager endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid schema manager endpoint: %w", err)
	}

	transport := http.DefaultTransport
	if cfg.HedgeRequestsAt != 0 {
		var err error
		transport, err = hedgedhttp.NewRoundTripper(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		latest: map[string]*Schema{},
		byVer:  map[string]map[int]*Schema{},
	}, nil
}

// GetLatest returns the latest schema for name. On fetch failure a previously
// cached schema is served; a cold miss is a retriable failure.
func (m *Manager) GetLatest(ctx context.Context, name string) (*Schema, error) {
	s, err := m.fetch(ctx, fmt.Sprintf("%s/schemas/%s/latest", m.cfg.Endpoint, url.PathEscape(name)))
	if err == nil {
		m.store(name, s)
		return s, nil
	}

	m.mtx.RLock()
	cached, ok := m.latest[name]
	m.mtx.RUnlock()
	if ok {
		level.Warn(m.logger).Log("msg", "schema manager unreachable, serving cached schema", "schema", name, "version", cached.Version, "err", err)
		return cached, nil
	}
	return nil, failure.Wrap(failure.KindTransientStore, "", err, "fetching schema %q", name)
}

// GetByVersion returns a pinned schema version. Versions are immutable so the
// cache is authoritative once warm.
func (m *Manager) GetByVersion(ctx context.Context, name string, version int) (*Schema, error) {
	m.mtx.RLock()
	if vs, ok := m.byVer[name]; ok {
		if s, ok := vs[version]; ok {
			m.mtx.RUnlock()
			return s, nil
		}
	}
	m.mtx.RUnlock()

	s, err := m.fetch(ctx, fmt.Sprintf("%s/schemas/%s/versions/%d", m.cfg.Endpoint, url.PathEscape(name), version))
	if err != nil {
		return nil, failure.Wrap(failure.KindTransientStore, "", err, "fetching schema %q version %d", name, version)
	}
	m.store(name, s)
	return s, nil
}

// Invalidate drops all latest-version cache entries. Pinned versions are kept:
// they are immutable. Wired to the refresh signal (SIGHUP).
func (m *Manager) Invalidate() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.latest = map[string]*Schema{}
	level.Info(m.logger).Log("msg", "schema cache invalidated")
}

func (m *Manager) fetch(ctx context.Context, u string) (*Schema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// A schema that does not exist is a configuration problem, not an outage.
		return nil, failure.New(failure.KindConfig, "", "schema not found: %s", u)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("schema manager returned %s for %s", resp.Status, u)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return Parse(body)
}

func (m *Manager) store(name string, s *Schema) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.latest[name] = s
	if _, ok := m.byVer[name]; !ok {
		m.byVer[name] = map[int]*Schema{}
	}
	m.byVer[name][s.Version] = s
}
