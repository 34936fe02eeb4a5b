package cluster

import (
	"fmt"

	"github.com/pkg/errors"
)

// Topology is the resolved view of a cluster from one task's perspective.
// It is pure derived state: building it has no side effects and repeated
// builds from the same inputs yield identical results.
type Topology struct {
	spec Spec
	task Task

	isChief      bool
	numTasks     int
	idInCluster  int
	localDevices []string
	workerDevice string
}

// Build resolves the topology for task within spec. numDevices is the
// accelerator count on this task; zero means the task computes on its CPU
// device. All tasks are assumed to carry the same device count — the behavior
// with uneven counts is undefined, not detected.
func Build(spec Spec, task Task, numDevices int) (*Topology, error) {
	if err := spec.validate(task); err != nil {
		return nil, err
	}
	if task.Job != JobChief && task.Job != JobWorker {
		return nil, malformedf("job %q does not participate in collectives", task.Job)
	}

	t := &Topology{
		spec:         spec,
		task:         task,
		numTasks:     spec.NumTasks(JobChief) + spec.NumTasks(JobWorker),
		workerDevice: task.String(),
	}

	// Exactly one task is chief: the chief job's task if one is declared,
	// otherwise worker 0.
	if spec.NumTasks(JobChief) > 0 {
		t.isChief = task.Job == JobChief
	} else {
		t.isChief = task.Job == JobWorker && task.Index == 0
	}

	// Chief first, then workers, so the chief is always id 0 when present.
	t.idInCluster = task.Index
	if task.Job == JobWorker {
		t.idInCluster += spec.NumTasks(JobChief)
	}

	t.localDevices = deviceNames(t.workerDevice, numDevices)
	return t, nil
}

// BuildLocal resolves a single-worker topology with no cluster spec. Used
// when running without a cluster: the sole task is chief and no peers exist.
func BuildLocal(numDevices int) *Topology {
	return &Topology{
		isChief:      true,
		numTasks:     1,
		idInCluster:  0,
		workerDevice: "/device:CPU:0",
		localDevices: deviceNames("", numDevices),
	}
}

func deviceNames(prefix string, numDevices int) []string {
	if numDevices <= 0 {
		if prefix == "" {
			return []string{"/device:CPU:0"}
		}
		return []string{prefix + "/device:CPU:0"}
	}
	devices := make([]string, numDevices)
	for i := range devices {
		devices[i] = fmt.Sprintf("%s/device:GPU:%d", prefix, i)
	}
	return devices
}

// IsChief reports whether this task is the cluster's chief.
func (t *Topology) IsChief() bool { return t.isChief }

// NumTasks returns the number of collective participants (chief + workers).
func (t *Topology) NumTasks() int { return t.numTasks }

// IDInCluster returns this task's dense id, chief first then workers in
// index order.
func (t *Topology) IDInCluster() int { return t.idInCluster }

// Task returns this task's identity.
func (t *Topology) Task() Task { return t.task }

// LocalDevices returns this task's compute device group, in rank order.
func (t *Topology) LocalDevices() []string {
	return append([]string(nil), t.localDevices...)
}

// WorkerDevice returns the host device string for this task.
func (t *Topology) WorkerDevice() string { return t.workerDevice }

// Address returns the network address of a task.
func (t *Topology) Address(task Task) (string, error) {
	addrs, ok := t.spec.Jobs[task.Job]
	if !ok || task.Index < 0 || task.Index >= len(addrs) {
		return "", errors.Errorf("no address for %s", task)
	}
	return addrs[task.Index], nil
}

// AllTasks returns every collective participant, chief first then workers in
// index order. The order matches IDInCluster.
func (t *Topology) AllTasks() []Task {
	var tasks []Task
	for i := 0; i < t.spec.NumTasks(JobChief); i++ {
		tasks = append(tasks, Task{Job: JobChief, Index: i})
	}
	for i := 0; i < t.spec.NumTasks(JobWorker); i++ {
		tasks = append(tasks, Task{Job: JobWorker, Index: i})
	}
	return tasks
}

// Peers returns every participant except this task.
func (t *Topology) Peers() []Task {
	var peers []Task
	for _, task := range t.AllTasks() {
		if task != t.task {
			peers = append(peers, task)
		}
	}
	return peers
}
