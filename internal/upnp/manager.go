// Package upnp exposes the virtual file server through a home router. It
// discovers an Internet Gateway Device with SSDP, maps ports over SOAP and
// keeps the leases alive until shutdown. NAT-PMP is used when no UPnP
// gateway answers and a gateway address is configured.
package upnp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/javi11/rarlink/internal/config"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/httpclient"
	"github.com/javi11/rarlink/internal/metrics"
)

// Mapping is one forwarded port owned by the manager.
type Mapping struct {
	ExternalPort   int       `json:"external_port"`
	InternalPort   int       `json:"internal_port"`
	Protocol       string    `json:"protocol"`
	Description    string    `json:"description"`
	InternalClient string    `json:"internal_client"`
	LeaseExpiry    time.Time `json:"lease_expiry"`
	Via            string    `json:"via"`
}

// Status is the current NAT state reported by the admin API.
type Status struct {
	Gateway    string    `json:"gateway,omitempty"`
	ExternalIP string    `json:"external_ip,omitempty"`
	Mappings   []Mapping `json:"mappings"`
	LastError  string    `json:"last_error,omitempty"`
}

// DiscoverFunc locates a gateway.
type DiscoverFunc func(ctx context.Context) (Gateway, error)

// Config configures the manager.
type Config struct {
	Timeout       time.Duration
	Retries       int
	RetryDelay    time.Duration
	LeaseDuration time.Duration
	Description   string
	NATPMPGateway string
}

// ConfigFrom builds a Config from the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Timeout:       cfg.UPnP.Timeout,
		Retries:       cfg.UPnP.Retries,
		LeaseDuration: cfg.GetLeaseDuration(),
		Description:   cfg.UPnP.Description,
		NATPMPGateway: cfg.UPnP.NATPMPGateway,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDiscoverer replaces SSDP and NAT-PMP discovery.
func WithDiscoverer(fn DiscoverFunc) Option {
	return func(m *Manager) {
		m.discover = fn
	}
}

// Manager owns the port mapping table and its renewal loop.
type Manager struct {
	cfg      Config
	discover DiscoverFunc
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	gateway    Gateway
	externalIP string
	mappings   map[int]*Mapping // internal port
	lastErr    error
	stopping   bool
	opens      sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a NAT manager. Nothing touches the network until
// Discover or Open is called.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Hour
	}
	if cfg.Description == "" {
		cfg.Description = "rarlink"
	}

	m := &Manager{
		cfg:      cfg,
		log:      slog.Default().With("component", "nat"),
		now:      time.Now,
		mappings: make(map[int]*Mapping),
	}
	m.discover = m.discoverGateway
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// discoverGateway tries SSDP first and falls back to NAT-PMP.
func (m *Manager) discoverGateway(ctx context.Context) (Gateway, error) {
	location, err := searchSSDP(ctx, m.cfg.Timeout)
	if err == nil {
		gw, gerr := NewIGDGateway(ctx, httpclient.NewControl(m.cfg.Timeout), location)
		if gerr == nil {
			return gw, nil
		}
		err = gerr
	}

	if m.cfg.NATPMPGateway == "" {
		return nil, err
	}

	m.log.DebugContext(ctx, "UPnP discovery failed, trying NAT-PMP", "gateway", m.cfg.NATPMPGateway, "error", err)
	gw, perr := NewPMPGateway(m.cfg.NATPMPGateway, m.cfg.Timeout)
	if perr == nil {
		if _, perr = gw.ExternalIP(ctx); perr == nil {
			return gw, nil
		}
	}
	return nil, errors.Join(err, perr)
}

func (m *Manager) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.Retries)),
		retry.Delay(m.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
}

// Discover finds a gateway and remembers it for later mappings.
func (m *Manager) Discover(ctx context.Context) error {
	gw, err := retry.DoWithData(func() (Gateway, error) {
		return m.discover(ctx)
	}, m.retryOptions(ctx)...)
	metrics.RecordNATOperation("discover", err)
	if err != nil {
		err = perrors.New(perrors.KindNatDiscoveryFailure, "discover", "", err)
		m.setErr(err)
		return err
	}

	ip, ipErr := gw.ExternalIP(ctx)
	if ipErr != nil {
		m.log.DebugContext(ctx, "Gateway did not report its external address", "error", ipErr)
	}

	m.mu.Lock()
	m.gateway = gw
	m.externalIP = ip
	m.lastErr = nil
	m.mu.Unlock()

	m.log.InfoContext(ctx, "Gateway discovered", "type", gw.Type(), "local_ip", gw.LocalIP(), "external_ip", ip)
	return nil
}

func (m *Manager) currentGateway(ctx context.Context) (Gateway, error) {
	m.mu.Lock()
	gw := m.gateway
	m.mu.Unlock()
	if gw != nil {
		return gw, nil
	}
	if err := m.Discover(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gateway, nil
}

// errStopping is returned by Open once Stop has begun.
var errStopping = errors.New("nat manager is stopping")

// Open maps port on the gateway to the same port on this host. The gateway
// may grant a different external port; the mapping stays addressed by the
// local port in Close.
func (m *Manager) Open(ctx context.Context, port int) (Mapping, error) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return Mapping{}, errStopping
	}
	m.opens.Add(1)
	m.mu.Unlock()
	defer m.opens.Done()

	gw, err := m.currentGateway(ctx)
	if err != nil {
		return Mapping{}, err
	}

	mapping := Mapping{
		ExternalPort:   port,
		InternalPort:   port,
		Protocol:       "TCP",
		Description:    m.cfg.Description,
		InternalClient: gw.LocalIP(),
		Via:            gw.Type(),
	}

	granted, err := retry.DoWithData(func() (int, error) {
		return gw.AddPortMapping(ctx, mapping, m.cfg.LeaseDuration)
	}, m.retryOptions(ctx)...)
	metrics.RecordNATOperation("add", err)
	if err != nil {
		err = perrors.New(perrors.KindPortMappingFailure, "add_port_mapping", "", err)
		m.setErr(err)
		return Mapping{}, err
	}
	if granted > 0 {
		mapping.ExternalPort = granted
	}
	mapping.LeaseExpiry = m.now().Add(m.cfg.LeaseDuration)

	m.mu.Lock()
	m.mappings[mapping.InternalPort] = &mapping
	n := len(m.mappings)
	m.mu.Unlock()
	metrics.SetNATMappings(n)

	m.log.InfoContext(ctx, "Port mapping added",
		"external_port", mapping.ExternalPort,
		"internal", mapping.InternalClient,
		"internal_port", mapping.InternalPort,
		"lease", m.cfg.LeaseDuration,
		"via", mapping.Via)

	return mapping, nil
}

// Close removes the mapping of local port from the active set and the
// gateway.
func (m *Manager) Close(ctx context.Context, port int) error {
	m.mu.Lock()
	mapping, ok := m.mappings[port]
	delete(m.mappings, port)
	gw := m.gateway
	n := len(m.mappings)
	m.mu.Unlock()
	metrics.SetNATMappings(n)

	if !ok || gw == nil {
		return nil
	}

	err := gw.DeletePortMapping(ctx, *mapping)
	metrics.RecordNATOperation("delete", err)
	if err != nil {
		m.log.WarnContext(ctx, "Failed to delete port mapping", "external_port", mapping.ExternalPort, "error", err)
		return perrors.New(perrors.KindPortMappingFailure, "delete_port_mapping", "", err)
	}

	m.log.InfoContext(ctx, "Port mapping removed", "external_port", mapping.ExternalPort, "internal_port", port)
	return nil
}

// Mappings returns the active mappings ordered by external port.
func (m *Manager) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		out = append(out, *mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalPort < out[j].ExternalPort })
	return out
}

// Status reports the gateway and the active mappings.
func (m *Manager) Status() Status {
	mappings := m.Mappings()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{ExternalIP: m.externalIP, Mappings: mappings}
	if m.gateway != nil {
		s.Gateway = m.gateway.Type()
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Start launches the renewal loop, which refreshes every mapping at half
// the lease duration.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}

	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.renewLoop(ctx, m.done)
}

func (m *Manager) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(max(m.cfg.LeaseDuration/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renew(ctx)
		}
	}
}

func (m *Manager) renew(ctx context.Context) {
	m.mu.Lock()
	gw := m.gateway
	var due []Mapping
	for _, mp := range m.mappings {
		due = append(due, *mp)
	}
	m.mu.Unlock()

	if gw == nil {
		return
	}

	for _, mp := range due {
		_, err := gw.AddPortMapping(ctx, mp, m.cfg.LeaseDuration)
		metrics.RecordNATOperation("renew", err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.WarnContext(ctx, "Failed to renew port mapping",
				"external_port", mp.ExternalPort,
				"lease_expiry", mp.LeaseExpiry,
				"error", err)
			m.setErr(perrors.New(perrors.KindPortMappingFailure, "renew_port_mapping", "", err))
			continue
		}

		m.mu.Lock()
		if cur, ok := m.mappings[mp.InternalPort]; ok {
			cur.LeaseExpiry = m.now().Add(m.cfg.LeaseDuration)
		}
		m.mu.Unlock()

		m.log.DebugContext(ctx, "Port mapping renewed", "external_port", mp.ExternalPort)
	}
}

// Stop ends the renewal loop, waits for Open calls in flight and removes
// every mapping from the gateway. Open fails from here on.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	opened := make(chan struct{})
	go func() {
		m.opens.Wait()
		close(opened)
	}()
	select {
	case <-opened:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, mp := range m.Mappings() {
		if err := m.Close(ctx, mp.InternalPort); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
