package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilehub/internal/cluster"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run a supervisor with one server worker per CPU",
	RunE:  runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)

	clusterCmd.Flags().Int("workers", 0, "Worker process count (default: CPU count)")
	if err := viper.BindPFlag("worker_count", clusterCmd.Flags().Lookup("workers")); err != nil {
		panic(err)
	}
}

func runCluster(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-execed children land back in this command; they run the server.
	if cluster.IsWorker() {
		return runServer(ctx)
	}

	sup := cluster.NewSupervisor(cluster.Config{
		WorkerCount: viper.GetInt("worker_count"),
	}, logger)
	return sup.Run(ctx)
}
