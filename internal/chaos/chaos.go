// Package chaos provides fault injection for control connections under test.
package chaos

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tcp-forward/internal/forward"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect drops a connection as soon as it is accepted.
	FaultDisconnect FaultType = iota
	// FaultDelay holds a connection before it is forwarded.
	FaultDelay
)

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Limit caps how many times this fault fires (0 = unlimited).
	Limit int64

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which faults fire.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[int]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[int]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeDisconnect returns true if a disconnect fault fires.
func (f *FaultInjector) MaybeDisconnect() bool {
	_, ok := f.fire(FaultDisconnect)
	return ok
}

// MaybeDelay returns the delay to apply, or zero.
func (f *FaultInjector) MaybeDelay() time.Duration {
	cfg, ok := f.fire(FaultDelay)
	if !ok {
		return 0
	}
	if cfg.MaxDelay <= cfg.MinDelay {
		return cfg.MinDelay
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cfg.MinDelay + time.Duration(f.rng.Int63n(int64(cfg.MaxDelay-cfg.MinDelay)))
}

// Stats returns how often each fault type fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64)
	for i, n := range f.faultHits {
		stats[f.configs[i].Type] += n
	}
	return stats
}

// Reset clears the statistics and the per-fault limits.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[int]int64)
}

func (f *FaultInjector) fire(t FaultType) (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return FaultConfig{}, false
	}
	for i, cfg := range f.configs {
		if cfg.Type != t {
			continue
		}
		if cfg.Limit > 0 && f.faultHits[i] >= cfg.Limit {
			continue
		}
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[i]++
			return cfg, true
		}
	}
	return FaultConfig{}, false
}

// Proxy forwards TCP connections to a target, injecting faults on accept.
// A nil injector forwards everything.
type Proxy struct {
	ln       net.Listener
	target   string
	injector *FaultInjector

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewProxy listens on addr and forwards to target.
func NewProxy(addr, target string, injector *FaultInjector) (*Proxy, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p := &Proxy{
		ln:       ln,
		target:   target,
		injector: injector,
		conns:    make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Addr returns the proxy listen address.
func (p *Proxy) Addr() net.Addr {
	return p.ln.Addr()
}

// DropAll closes every forwarded connection. New connections are still accepted.
func (p *Proxy) DropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.Close()
	}
	clear(p.conns)
}

// Active returns the number of open connections on both sides.
func (p *Proxy) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops accepting and drops every connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.ln.Close()
	p.DropAll()
	p.wg.Wait()
	return err
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go p.handle(c)
	}
}

func (p *Proxy) handle(c net.Conn) {
	defer p.wg.Done()

	if p.injector != nil {
		if p.injector.MaybeDisconnect() {
			c.Close()
			return
		}
		if d := p.injector.MaybeDelay(); d > 0 {
			time.Sleep(d)
		}
	}

	up, err := net.Dial("tcp", p.target)
	if err != nil {
		c.Close()
		return
	}
	if !p.track(c, up) {
		c.Close()
		up.Close()
		return
	}
	defer p.untrack(c, up)

	forward.Relay(c, up)
}

func (p *Proxy) track(conns ...net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for _, c := range conns {
		p.conns[c] = struct{}{}
	}
	return true
}

func (p *Proxy) untrack(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		delete(p.conns, c)
	}
}
