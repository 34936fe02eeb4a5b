package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distml/collective/pkg/cluster"
)

// State is the liveness of one peer as seen by the monitor.
type State int

const (
	// Healthy: the last probe succeeded.
	Healthy State = iota
	// Suspect: at least one probe failed, retries remain.
	Suspect
	// Dead: retry-limit consecutive probes failed. Terminal for this run.
	Dead
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PeerStatus is the monitor's record for one peer. Mutated only by the
// monitor goroutine.
type PeerStatus struct {
	State               State
	ConsecutiveFailures int
	LastCheck           time.Time
}

// Peer pairs a task identity with its probe address.
type Peer struct {
	Task cluster.Task
	Addr string
}

// Defaults mirroring the strategy's check-health tunables.
const (
	DefaultInterval     = 30 * time.Second
	DefaultRetryLimit   = 3
	DefaultRetryBackoff = time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// Config configures a Monitor. Zero durations and counts take the defaults
// above. OnAbort is required: it is the single cross-thread signal into the
// coordinator's abort path.
type Config struct {
	Peers        []Peer
	Interval     time.Duration
	RetryLimit   int
	RetryBackoff time.Duration
	ProbeTimeout time.Duration
	Prober       Prober
	OnAbort      func(reason string)
}

// Monitor runs one background goroutine that probes every peer each
// interval. On the first peer reaching Dead it invokes OnAbort exactly once
// and exits its loop; a second detection before process exit can never
// double-abort.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	states map[cluster.Task]*PeerStatus

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	abortOnce sync.Once
}

// NewMonitor builds a monitor; Start launches it.
func NewMonitor(cfg Config) (*Monitor, error) {
	if len(cfg.Peers) == 0 {
		return nil, errors.New("health monitor requires at least one peer")
	}
	if cfg.Prober == nil {
		return nil, errors.New("health monitor requires a prober")
	}
	if cfg.OnAbort == nil {
		return nil, errors.New("health monitor requires an abort callback")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	m := &Monitor{
		cfg:    cfg,
		states: make(map[cluster.Task]*PeerStatus, len(cfg.Peers)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, p := range cfg.Peers {
		m.states[p.Task] = &PeerStatus{State: Healthy}
	}
	return m, nil
}

// Start launches the probe loop. Idempotent.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop signals the loop and waits for it, bounded by timeout so shutdown can
// never block indefinitely. Returns false if the loop did not exit in time.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	select {
	case <-m.doneCh:
		return true
	case <-time.After(timeout):
		logrus.Warnf("health monitor did not stop within %v", timeout)
		return false
	}
}

// PeerStatus returns the current record for a peer.
func (m *Monitor) PeerStatus(task cluster.Task) (PeerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[task]
	if !ok {
		return PeerStatus{}, false
	}
	return *st, true
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	logrus.Infof("health monitor started: %d peers, interval %v", len(m.cfg.Peers), m.cfg.Interval)
	for {
		for _, peer := range m.cfg.Peers {
			if m.stopped() {
				return
			}
			if !m.probePeer(peer) {
				return
			}
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.Interval):
		}
	}
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// probePeer checks one peer with retries. Returns false when the loop must
// exit because an abort fired.
func (m *Monitor) probePeer(peer Peer) bool {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		err := m.cfg.Prober.CheckPeer(ctx, peer.Addr)
		cancel()

		m.mu.Lock()
		st := m.states[peer.Task]
		st.LastCheck = time.Now()
		if err == nil {
			st.State = Healthy
			st.ConsecutiveFailures = 0
			m.mu.Unlock()
			return true
		}
		st.ConsecutiveFailures++
		failures := st.ConsecutiveFailures

		if !isPeerFailure(err) {
			st.State = Dead
			m.mu.Unlock()
			logrus.Errorf("unexpected error checking %s: %v", peer.Task, err)
			m.abort(fmt.Sprintf("unexpected error checking %s: %v", peer.Task, err))
			return false
		}
		if failures < m.cfg.RetryLimit {
			st.State = Suspect
			m.mu.Unlock()
			logrus.Warnf("%s seems down, retrying %d/%d", peer.Task, failures, m.cfg.RetryLimit)
			select {
			case <-m.stopCh:
				return false
			case <-time.After(m.cfg.RetryBackoff):
			}
			continue
		}
		st.State = Dead
		m.mu.Unlock()
		logrus.Errorf("cluster check alive failed, %s is down, aborting collectives: %v", peer.Task, err)
		m.abort(fmt.Sprintf("cluster check alive failed, %s is down", peer.Task))
		return false
	}
}

func (m *Monitor) abort(reason string) {
	m.abortOnce.Do(func() {
		m.cfg.OnAbort(reason)
	})
}
