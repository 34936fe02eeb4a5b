// Command worker runs one collective task: it serves health checks for its
// peers, joins the cluster barrier, and keeps the coordinator alive until the
// process is told to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distml/collective/pkg/cluster"
	"github.com/distml/collective/pkg/collective"
	"github.com/distml/collective/pkg/coordinator"
	"github.com/distml/collective/pkg/health"
)

var (
	specPath       string
	jobName        string
	taskIndex      int
	numDevices     int
	logLevel       string
	checkInterval  time.Duration
	initialTimeout time.Duration
	timeoutSeconds time.Duration
	bytesPerPack   uint32
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Multi-worker collective coordination task",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level %q: %v", logLevel, err)
		}
		logrus.SetLevel(level)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the cluster and serve until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := cluster.LoadSpec(specPath)
		if err != nil {
			logrus.Fatalf("failed to load cluster spec: %v", err)
		}
		task := cluster.Task{Job: jobName, Index: taskIndex}

		topo, err := cluster.Build(spec, task, numDevices)
		if err != nil {
			logrus.Fatalf("failed to resolve topology: %v", err)
		}
		addr, err := topo.Address(task)
		if err != nil {
			logrus.Fatalf("no address for %s: %v", task, err)
		}

		srv, err := health.NewServer(addr)
		if err != nil {
			logrus.Fatalf("failed to start health server: %v", err)
		}
		defer srv.Stop()
		logrus.Infof("health server listening at %s", srv.Addr())

		coord, err := coordinator.Init(coordinator.Config{
			Spec:       spec,
			Task:       task,
			NumDevices: numDevices,
			Hints: collective.Hints{
				BytesPerPack: bytesPerPack,
				Timeout:      timeoutSeconds,
			},
			CheckHealthInterval: checkInterval,
			InitialTimeout:      initialTimeout,
		})
		if err != nil {
			logrus.Fatalf("failed to initialize coordinator: %v", err)
		}
		defer coord.Shutdown()

		logrus.Infof("%s ready: chief=%v, replicas_in_sync=%d",
			task, coord.IsChief(), coord.NumReplicasInSync())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logrus.Infof("received %s, shutting down", sig)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a cluster spec file and print the derived topology",
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := cluster.LoadSpec(specPath)
		if err != nil {
			logrus.Fatalf("failed to load cluster spec: %v", err)
		}
		for _, job := range spec.JobNames() {
			fmt.Printf("job %q: %d tasks\n", job, spec.NumTasks(job))
		}
		task := cluster.Task{Job: jobName, Index: taskIndex}
		topo, err := cluster.Build(spec, task, numDevices)
		if err != nil {
			logrus.Fatalf("spec is invalid for %s: %v", task, err)
		}
		fmt.Printf("%s: chief=%v id_in_cluster=%d num_tasks=%d devices=%v\n",
			task, topo.IsChief(), topo.IDInCluster(), topo.NumTasks(), topo.LocalDevices())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&specPath, "spec", "cluster.yaml", "Path to the YAML cluster spec")
	rootCmd.PersistentFlags().StringVar(&jobName, "job", cluster.JobWorker, "This task's job name")
	rootCmd.PersistentFlags().IntVar(&taskIndex, "task", 0, "This task's index within its job")
	rootCmd.PersistentFlags().IntVar(&numDevices, "devices", 0, "Number of local accelerator devices (0 = CPU only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log verbosity level")

	runCmd.Flags().DurationVar(&checkInterval, "check-health-interval", health.DefaultInterval, "Peer health check interval")
	runCmd.Flags().DurationVar(&initialTimeout, "initial-timeout", 0, "Startup barrier timeout (0 = wait forever)")
	runCmd.Flags().DurationVar(&timeoutSeconds, "collective-timeout", 0, "Per-collective timeout (0 = no timeout)")
	runCmd.Flags().Uint32Var(&bytesPerPack, "bytes-per-pack", 0, "Break all-reduces into packs of this many bytes (0 = off)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
