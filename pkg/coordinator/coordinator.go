// Package coordinator wires cluster topology, collective channels and health
// checking into the strategy-level API: initialize once per process, then
// reduce, gather and broadcast through the coordinator until shutdown.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distml/collective/pkg/cluster"
	"github.com/distml/collective/pkg/collective"
	"github.com/distml/collective/pkg/health"
	"github.com/distml/collective/pkg/keys"
	"github.com/distml/collective/pkg/tensor"
)

// ClusterNotReadyError reports that the startup barrier collective did not
// complete within the initial timeout: some participant never showed up.
type ClusterNotReadyError struct {
	Timeout time.Duration
}

func (e *ClusterNotReadyError) Error() string {
	return fmt.Sprintf("timeout waiting for the cluster, timeout is %v", e.Timeout)
}

// Config configures Init. Spec and Task select this process's place in the
// cluster; an empty Spec selects single-worker (local) mode, where no health
// checking or peer coordination happens.
type Config struct {
	Spec       cluster.Spec
	Task       cluster.Task
	NumDevices int
	Hints      collective.Hints

	// Service is the collective transport. Defaults to an in-process
	// LocalService, which is correct for local mode and for clusters
	// simulated within one process; a networked deployment supplies its own.
	Service collective.Service

	// DisableCheckHealth turns the background peer monitor off.
	DisableCheckHealth  bool
	CheckHealthInterval time.Duration
	// InitialTimeout bounds the startup barrier. Zero waits forever, which
	// is the right default when workers may come up slowly.
	InitialTimeout time.Duration
	RetryLimit     int
	RetryBackoff   time.Duration
	ProbeTimeout   time.Duration
	Prober         health.Prober
}

// Coordinator is the top-level orchestrator. It owns the topology (read-only
// after Init), both collective channels, and the health monitor. All state is
// per-coordinator; multiple coordinators coexist safely in one process.
type Coordinator struct {
	topo *cluster.Topology
	keys *keys.Allocator
	svc  collective.Service

	// deviceChannel reduces over the compute devices; hostChannel carries
	// small per-host tensors (metrics, barriers, initial-value broadcasts).
	deviceChannel *collective.Channel
	hostChannel   *collective.Channel

	monitor      *health.Monitor
	shutdownOnce sync.Once
}

// Init resolves the topology, builds the channels, runs the startup barrier
// and starts health checking. It must be called by every task in the cluster;
// the barrier does not complete until all of them have.
func Init(cfg Config) (*Coordinator, error) {
	if err := cfg.Hints.Validate(); err != nil {
		return nil, err
	}

	var topo *cluster.Topology
	if cfg.Spec.Empty() {
		topo = cluster.BuildLocal(cfg.NumDevices)
	} else {
		var err error
		topo, err = cluster.Build(cfg.Spec, cfg.Task, cfg.NumDevices)
		if err != nil {
			return nil, err
		}
	}

	svc := cfg.Service
	if svc == nil {
		svc = collective.NewLocalService()
	}

	c := &Coordinator{
		topo: topo,
		keys: keys.NewAllocator(),
		svc:  svc,
	}

	localDevices := topo.LocalDevices()
	var err error
	c.deviceChannel, err = collective.NewChannel(
		localDevices,
		len(localDevices)*topo.NumTasks(),
		topo.IDInCluster()*len(localDevices),
		c.keys, cfg.Hints, svc)
	if err != nil {
		return nil, errors.Wrap(err, "building device channel")
	}
	c.hostChannel, err = collective.NewChannel(
		[]string{topo.WorkerDevice()},
		topo.NumTasks(),
		topo.IDInCluster(),
		c.keys, cfg.Hints, svc)
	if err != nil {
		return nil, errors.Wrap(err, "building host channel")
	}

	if !c.InMultiWorkerMode() {
		logrus.Infof("single-worker collective strategy with local devices = %v", localDevices)
		return c, nil
	}

	// A dummy reduce doubles as a barrier: it only completes once every
	// participant is up, so the health monitor cannot fire on workers that
	// are merely slow to start.
	logrus.Infof("waiting for the cluster, timeout = %v", orInf(cfg.InitialTimeout))
	if err := c.hostChannel.Barrier(cfg.InitialTimeout); err != nil {
		var deadline *collective.DeadlineExceededError
		if errors.As(err, &deadline) {
			return nil, &ClusterNotReadyError{Timeout: cfg.InitialTimeout}
		}
		return nil, errors.Wrap(err, "startup barrier")
	}
	logrus.Info("cluster is ready")

	if !cfg.DisableCheckHealth {
		if err := c.startMonitor(cfg); err != nil {
			return nil, err
		}
	}

	logrus.Infof("multi-worker collective strategy: task = %s, num_tasks = %d, "+
		"local devices = %v, is_chief = %v",
		topo.Task(), topo.NumTasks(), localDevices, topo.IsChief())
	return c, nil
}

func (c *Coordinator) startMonitor(cfg Config) error {
	peers := make([]health.Peer, 0, c.topo.NumTasks()-1)
	for _, task := range c.topo.Peers() {
		addr, err := c.topo.Address(task)
		if err != nil {
			return err
		}
		peers = append(peers, health.Peer{Task: task, Addr: addr})
	}
	prober := cfg.Prober
	if prober == nil {
		prober = health.GRPCProber{}
	}
	monitor, err := health.NewMonitor(health.Config{
		Peers:        peers,
		Interval:     cfg.CheckHealthInterval,
		RetryLimit:   cfg.RetryLimit,
		RetryBackoff: cfg.RetryBackoff,
		ProbeTimeout: cfg.ProbeTimeout,
		Prober:       prober,
		OnAbort:      c.abortAll,
	})
	if err != nil {
		return errors.Wrap(err, "starting health monitor")
	}
	c.monitor = monitor
	monitor.Start()
	return nil
}

// abortAll is the monitor's single entry point into the collective layer:
// every channel is poisoned so blocked calls wake promptly with Unavailable.
func (c *Coordinator) abortAll(reason string) {
	c.deviceChannel.Abort(reason)
	c.hostChannel.Abort(reason)
}

// channelFor picks a channel by operand placement: a value with one operand
// per compute device reduces over the device channel, anything else falls
// back to the host channel (which expects a single per-host operand).
func (c *Coordinator) channelFor(numOperands int) (*collective.Channel, error) {
	switch numOperands {
	case len(c.topo.LocalDevices()):
		return c.deviceChannel, nil
	case 1:
		return c.hostChannel, nil
	default:
		return nil, errors.Errorf("cannot place %d operands on %d devices or the host",
			numOperands, len(c.topo.LocalDevices()))
	}
}

// Reduce reduces ts across every replica in the cluster and returns one
// result per operand.
func (c *Coordinator) Reduce(op collective.Op, ts []*tensor.Tensor) ([]*tensor.Tensor, error) {
	ch, err := c.channelFor(len(ts))
	if err != nil {
		return nil, err
	}
	return ch.AllReduce(op, ts)
}

// Gather concatenates ts with every replica's contributions along axis, in
// ascending replica order.
func (c *Coordinator) Gather(ts []*tensor.Tensor, axis int) (*tensor.Tensor, error) {
	ch, err := c.channelFor(len(ts))
	if err != nil {
		return nil, err
	}
	return ch.Gather(ts, axis)
}

// BroadcastInitialValue produces one consistent value on every task: the
// chief evaluates factory and sends, everyone else receives. Every task still
// evaluates factory locally to learn the shape and dtype it expects. Used
// once per distributed-variable creation.
func (c *Coordinator) BroadcastInitialValue(factory func() *tensor.Tensor) (*tensor.Tensor, error) {
	v := factory()
	if v == nil {
		return nil, errors.New("initial value factory returned nil")
	}
	if !c.InMultiWorkerMode() {
		return v, nil
	}
	if c.topo.IsChief() {
		return c.hostChannel.BroadcastSend(v)
	}
	return c.hostChannel.BroadcastRecv(v.Shape(), v.DType())
}

// NumReplicasInSync returns the global replica count: local devices times
// tasks.
func (c *Coordinator) NumReplicasInSync() int {
	return len(c.topo.LocalDevices()) * c.topo.NumTasks()
}

// Topology returns the resolved cluster topology.
func (c *Coordinator) Topology() *cluster.Topology { return c.topo }

// IsChief reports whether this task is the cluster chief.
func (c *Coordinator) IsChief() bool { return c.topo.IsChief() }

// ShouldCheckpoint reports whether this task should write checkpoints.
func (c *Coordinator) ShouldCheckpoint() bool { return c.topo.IsChief() }

// ShouldSaveSummary reports whether this task should write summaries.
func (c *Coordinator) ShouldSaveSummary() bool { return c.topo.IsChief() }

// InMultiWorkerMode reports whether more than one task participates.
func (c *Coordinator) InMultiWorkerMode() bool { return c.topo.NumTasks() > 1 }

// Monitor returns the health monitor, or nil when health checking is off.
func (c *Coordinator) Monitor() *health.Monitor { return c.monitor }

// Shutdown stops the health monitor with a bounded join and releases the
// channels. Idempotent; it never blocks indefinitely.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.monitor != nil {
			logrus.Info("stopping health monitor")
			c.monitor.Stop(5 * time.Second)
		}
	})
}

func orInf(d time.Duration) string {
	if d <= 0 {
		return "inf"
	}
	return d.String()
}
