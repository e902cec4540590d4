package proxy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

var ErrPortInUse = errors.New("proxy: port already served")

// Manager owns one SOCKS5 listener per pool port.
//
// Stopping or re-keying a port closes only its listener. Connections already
// relaying on that port run until they end on their own or the Manager's
// context is canceled.
type Manager struct {
	ctx  context.Context
	cfg  Config
	bind string
	log  zerolog.Logger

	mu        sync.Mutex
	listeners map[int]*portListener
	wg        sync.WaitGroup
}

type portListener struct {
	cred Credential
	ln   net.Listener
}

// SyncResult counts the listener changes made by Sync.
type SyncResult struct {
	Started   int
	Stopped   int
	Restarted int
}

func NewManager(ctx context.Context, cfg Config, bind string, log zerolog.Logger) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		ctx:       ctx,
		cfg:       cfg,
		bind:      bind,
		log:       log,
		listeners: make(map[int]*portListener),
	}
}

// Start begins serving port with cred.
func (m *Manager) Start(port int, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(port, cred)
}

// Stop closes the listener for port. It reports whether one was running.
func (m *Manager) Stop(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(port)
}

// Sync makes the running listeners match desired: new ports are started,
// missing ports stopped, and ports whose credential changed are restarted.
// Bind failures are collected; the remaining ports are still processed.
func (m *Manager) Sync(desired map[int]Credential) (SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res SyncResult
	var errs []error

	for port := range m.listeners {
		if _, ok := desired[port]; !ok {
			m.stopLocked(port)
			res.Stopped++
		}
	}

	for _, port := range slices.Sorted(maps.Keys(desired)) {
		cred := desired[port]
		if pl, ok := m.listeners[port]; ok {
			if pl.cred == cred {
				continue
			}
			m.stopLocked(port)
			if err := m.startLocked(port, cred); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Restarted++
			continue
		}
		if err := m.startLocked(port, cred); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Started++
	}

	return res, errors.Join(errs...)
}

// Ports returns the served ports in ascending order.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.listeners))
}

// Close stops every listener and waits for the accept loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for port := range m.listeners {
		m.stopLocked(port)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) startLocked(port int, cred Credential) error {
	if _, ok := m.listeners[port]; ok {
		return fmt.Errorf("port %d: %w", port, ErrPortInUse)
	}

	addr := net.JoinHostPort(m.bind, strconv.Itoa(port))
	ln, err := ListenTCP(m.ctx, "tcp", addr, m.cfg.KeepAlive)
	if err != nil {
		return err
	}

	log := m.log.With().Int("port", port).Logger()
	pl := &portListener{cred: cred, ln: ln}
	m.listeners[port] = pl
	srv := NewSOCKS5Server(m.ctx, m.cfg, cred, log)

	m.wg.Go(func() {
		err := srv.Serve(ln)
		if errors.Is(err, net.ErrClosed) || m.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("listener stopped")

		m.mu.Lock()
		if m.listeners[port] == pl {
			delete(m.listeners, port)
			_ = ln.Close()
		}
		m.mu.Unlock()
	})

	log.Debug().Str("addr", addr).Msg("listener started")
	return nil
}

func (m *Manager) stopLocked(port int) bool {
	pl, ok := m.listeners[port]
	if !ok {
		return false
	}
	delete(m.listeners, port)
	_ = pl.ln.Close()
	m.log.Debug().Int("port", port).Msg("listener stopped")
	return true
}
