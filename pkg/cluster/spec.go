// Package cluster resolves worker addressing and device topology from a
// cluster specification. A spec maps job names to ordered task address lists;
// the topology derived from it is read-only after construction.
package cluster

import (
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Job names with collective participants. Other jobs (e.g. parameter servers)
// may appear in a spec but do not join collectives.
const (
	JobChief  = "chief"
	JobWorker = "worker"
)

// MalformedSpecError reports an invalid cluster configuration. It is fatal at
// startup and never retried.
type MalformedSpecError struct {
	Reason string
}

func (e *MalformedSpecError) Error() string {
	return "malformed cluster spec: " + e.Reason
}

func malformedf(format string, args ...interface{}) error {
	return &MalformedSpecError{Reason: fmt.Sprintf(format, args...)}
}

// Spec maps a job name to its ordered list of "host:port" task addresses.
// Immutable once built.
type Spec struct {
	Jobs map[string][]string `yaml:"cluster"`
}

// LoadSpec reads a YAML cluster spec:
//
//	cluster:
//	  chief: ["10.0.0.1:2222"]
//	  worker: ["10.0.0.2:2222", "10.0.0.3:2222"]
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, errors.Wrapf(err, "reading cluster spec %s", path)
	}
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Spec{}, malformedf("parsing %s: %v", path, err)
	}
	return s, nil
}

// Empty reports whether the spec declares no tasks at all. An empty spec
// selects single-worker (local) mode.
func (s Spec) Empty() bool {
	for _, addrs := range s.Jobs {
		if len(addrs) > 0 {
			return false
		}
	}
	return true
}

// NumTasks returns the task count of one job.
func (s Spec) NumTasks(job string) int {
	return len(s.Jobs[job])
}

// JobNames returns the declared job names in sorted order.
func (s Spec) JobNames() []string {
	names := make([]string, 0, len(s.Jobs))
	for name := range s.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Task identifies one worker as a (job, index) pair.
type Task struct {
	Job   string `yaml:"job"`
	Index int    `yaml:"index"`
}

func (t Task) String() string {
	return fmt.Sprintf("/job:%s/task:%d", t.Job, t.Index)
}

// validate checks the structural invariants shared by all topology builds.
func (s Spec) validate(task Task) error {
	if s.Empty() {
		return malformedf("spec declares zero tasks")
	}
	addrs, ok := s.Jobs[task.Job]
	if !ok {
		return malformedf("job %q not found in spec (jobs: %v)", task.Job, s.JobNames())
	}
	if len(addrs) == 0 {
		return malformedf("job %q declares zero tasks", task.Job)
	}
	if task.Index < 0 || task.Index >= len(addrs) {
		return malformedf("task index %d out of range for job %q with %d tasks",
			task.Index, task.Job, len(addrs))
	}
	for job, list := range s.Jobs {
		for i, addr := range list {
			if addr == "" {
				return malformedf("empty address for /job:%s/task:%d", job, i)
			}
		}
	}
	if n := len(s.Jobs[JobChief]); n > 1 {
		return malformedf("chief job must have at most one task, got %d", n)
	}
	return nil
}
