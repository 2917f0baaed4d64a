package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clusterd/cluster"
	"clusterd/logging"
)

func init() {
	benchCmd.Flags().Int("nodes", 3, "Number of simulated nodes")
	benchCmd.Flags().Duration("duration", 5*time.Second, "How long to run the benchmark")
	benchCmd.Flags().Bool("cleanup", true, "Drop the scratch table or entry afterwards")
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure heartbeat throughput of the configured backend",
	Long: `Run simulated nodes that write and read heartbeats as fast as they can
against a scratch table or entry of the configured backend, and report
operations per second. Use it to pick interval settings for a backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, _ := cmd.Flags().GetInt("nodes")
		duration, _ := cmd.Flags().GetDuration("duration")
		cleanup, _ := cmd.Flags().GetBool("cleanup")

		conf, err := setup(cmd)
		if err != nil {
			return err
		}
		if nodes <= 0 {
			return fmt.Errorf("--nodes must be positive")
		}

		ctx := cmd.Context()
		scratch := benchConfig(conf)
		store, err := openStorage(ctx, scratch, logging.WithComponent("bench"))
		if err != nil {
			return fmt.Errorf("failed to open %s backend: %w", conf.Backend, err)
		}
		defer store.close(context.Background())
		if store.provider == nil {
			return cluster.ErrBackendDisabled
		}

		if err := store.provision(ctx); err != nil {
			return fmt.Errorf("failed to provision scratch storage: %w", err)
		}
		if cleanup {
			defer func() {
				if err := store.drop(context.Background()); err != nil {
					log := logging.WithComponent("bench")
					log.Warn().Err(err).Msg("Failed to drop scratch storage")
				}
			}()
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Running %s benchmark with %d nodes for %v...\n", conf.Backend, nodes, duration)
		result := runBenchmark(ctx, store.provider, nodes, duration, scratch.hash())
		result.print(cmd.OutOrStdout(), conf.Backend)
		return nil
	},
}

// benchConfig points the backend at scratch storage so a benchmark never
// touches a live cluster's records.
func benchConfig(conf config) config {
	scratch := conf
	scratch.ClusterName = conf.ClusterName + "-bench"
	scratch.Postgres.Table = conf.Postgres.Table + "_bench"
	scratch.Etcd.Table = conf.Etcd.Table + "_bench"
	scratch.DynamoDB.Entry = conf.DynamoDB.Entry + "-bench"
	scratch.MongoDB.Entry = conf.MongoDB.Entry + "-bench"
	return scratch
}

type benchResult struct {
	operations int64
	failures   int64
	elapsed    time.Duration
}

func (r benchResult) opsPerSecond() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.operations) / r.elapsed.Seconds()
}

func (r benchResult) print(out io.Writer, name string) {
	fmt.Fprintf(out, "%s: %d operations, %d failures in %v (%.2f ops/sec)\n",
		name, r.operations, r.failures, r.elapsed.Truncate(time.Millisecond), r.opsPerSecond())
}

// runBenchmark runs one goroutine per simulated node, each alternating
// a heartbeat write and a full read until the deadline.
func runBenchmark(ctx context.Context, provider cluster.StorageProvider, nodes int, duration time.Duration, configHash string) benchResult {
	log := logging.WithComponent("bench")

	var totalOperations, totalFailures int64
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	start := time.Now()

	for i := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()

			record := cluster.NodeRecord{
				StartupTimestamp: time.Now(),
				InstanceID:       fmt.Sprintf("bench-%d", i),
				GUID:             uuid.NewString(),
				ConfigHash:       configHash,
			}
			clientOps, clientFailures := 0, 0
			for time.Now().Before(deadline) && ctx.Err() == nil {
				record.Timestamp = time.Now()
				if err := provider.WriteSelf(ctx, record); err != nil {
					log.Debug().Err(err).Str("instance_id", record.InstanceID).Msg("Heartbeat write failed")
					clientFailures++
					continue
				}
				clientOps++

				if _, err := provider.ReadAll(ctx); err != nil {
					log.Debug().Err(err).Str("instance_id", record.InstanceID).Msg("Read failed")
					clientFailures++
					continue
				}
				clientOps++
			}
			atomic.AddInt64(&totalOperations, int64(clientOps))
			atomic.AddInt64(&totalFailures, int64(clientFailures))
		}()
	}

	wg.Wait()
	return benchResult{
		operations: totalOperations,
		failures:   totalFailures,
		elapsed:    time.Since(start),
	}
}
