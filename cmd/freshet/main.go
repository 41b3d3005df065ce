package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freshet-io/freshet/pkg/compute"
	"github.com/freshet-io/freshet/pkg/config"
	"github.com/freshet-io/freshet/pkg/hummock/compaction"
	"github.com/freshet-io/freshet/pkg/hummock/sstable"
	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/meta"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/objstore"
	"github.com/freshet-io/freshet/pkg/rpc"
	"github.com/freshet-io/freshet/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	pprofPort  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "freshet",
	Short: "Freshet - Distributed streaming SQL database",
	Long: `Freshet ingests change streams, maintains incrementally-updated
materialized views, and serves consistent snapshots from an
object-storage-backed MVCC storage engine.

One binary runs every node role: meta (control plane), compute
(streaming actors and state store), and compactor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Freshet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&pprofPort, "pprof-port", 0, "Enable pprof on this port (0 = disabled)")

	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(computeCmd)
	rootCmd.AddCommand(compactorCmd)
}

func setup() (*config.Config, error) {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if pprofPort > 0 {
		go func() {
			if err := http.ListenAndServe(fmt.Sprintf(":%d", pprofPort), nil); err != nil {
				log.Errorf("pprof server failed", err)
			}
		}()
	}
	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(cfg.MetricsPort); err != nil {
				log.Errorf("metrics server failed", err)
			}
		}()
	}
	return cfg, nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down")
}

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Run a meta (control plane) node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := meta.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		fsm := meta.NewFSM(store)
		raftAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port+1)
		r, err := meta.BootstrapRaft(fmt.Sprintf("meta-%s-%d", cfg.Host, cfg.Port), raftAddr, cfg.DataDir, fsm)
		if err != nil {
			return err
		}

		objStore, err := objstore.NewFSObjectStore(cfg.Storage.ObjectStoreRoot)
		if err != nil {
			return err
		}

		server, err := meta.NewServer(cfg, store, r, objstore.WithRetry(objStore, objstore.DefaultRetry))
		if err != nil {
			return err
		}
		server.Start()
		defer server.Stop()

		lis, err := net.Listen("tcp", cfg.MetaAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetaAddr, err)
		}
		grpcServer := rpc.NewServer()
		rpc.RegisterMetaServer(grpcServer, server)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Errorf("meta grpc server failed", err)
			}
		}()
		metaLogger := log.WithComponent("meta")
		metaLogger.Info().Str("addr", cfg.MetaAddr).Msg("Meta node listening")

		waitForSignal()
		grpcServer.GracefulStop()
		return nil
	},
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Run a compute (streaming) node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		conn, err := rpc.Dial(cmd.Context(), cfg.MetaAddr)
		if err != nil {
			return fmt.Errorf("failed to dial meta at %s: %w", cfg.MetaAddr, err)
		}
		defer conn.Close()

		objStore, err := objstore.NewFSObjectStore(cfg.Storage.ObjectStoreRoot)
		if err != nil {
			return err
		}

		node, err := compute.NewNode(cfg, &compute.RemoteMeta{Client: rpc.NewMetaClient(conn)}, objstore.WithRetry(objStore, objstore.DefaultRetry))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := node.Start(ctx); err != nil {
			return err
		}
		defer node.Stop()

		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		grpcServer := rpc.NewServer()
		rpc.RegisterExchangeServer(grpcServer, compute.NewExchangeService(node))
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Errorf("exchange server failed", err)
			}
		}()
		computeLogger := log.WithComponent("compute")
		computeLogger.Info().
			Uint32("worker_id", node.WorkerID()).
			Str("addr", lis.Addr().String()).
			Msg("Compute node serving")

		waitForSignal()
		grpcServer.GracefulStop()
		return nil
	},
}

// metaTaskSource pulls compaction tasks over the meta RPC surface
type metaTaskSource struct {
	client   *rpc.MetaClient
	workerID uint32
}

func (s *metaTaskSource) PollTask(ctx context.Context) (*compaction.Task, error) {
	resp, err := s.client.GetCompactionTask(ctx, &rpc.GetCompactionTaskRequest{WorkerID: s.workerID})
	if err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, compaction.ErrNoTask
	}
	return resp.Task, nil
}

func (s *metaTaskSource) ReportTask(ctx context.Context, result *compaction.Result) error {
	_, err := s.client.ReportCompaction(ctx, &rpc.ReportCompactionRequest{WorkerID: s.workerID, Result: result})
	return err
}

// metaIDAllocator allocates output object ids through meta
type metaIDAllocator struct {
	client *rpc.MetaClient
}

func (a *metaIDAllocator) NextObjectID(ctx context.Context) (uint64, error) {
	resp, err := a.client.NextObjectID(ctx, &rpc.NextObjectIDRequest{Count: 1})
	if err != nil {
		return 0, err
	}
	return resp.Start, nil
}

var compactorCmd = &cobra.Command{
	Use:   "compactor",
	Short: "Run a compactor node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		conn, err := rpc.Dial(cmd.Context(), cfg.MetaAddr)
		if err != nil {
			return fmt.Errorf("failed to dial meta at %s: %w", cfg.MetaAddr, err)
		}
		defer conn.Close()
		client := rpc.NewMetaClient(conn)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reg, err := client.Register(ctx, &rpc.RegisterRequest{
			Host: cfg.Host,
			Port: cfg.Port,
			Type: types.WorkerTypeCompactor,
		})
		if err != nil {
			return fmt.Errorf("failed to register with meta: %w", err)
		}

		objStore, err := objstore.NewFSObjectStore(cfg.Storage.ObjectStoreRoot)
		if err != nil {
			return err
		}
		sstStore, err := sstable.NewStore(objstore.WithRetry(objStore, objstore.DefaultRetry), sstable.StoreConfig{
			BlockCacheCapacity: int64(cfg.Storage.BlockCacheCapacityMB) << 20,
			MetaCacheCapacity:  int64(cfg.Storage.MetaCacheCapacityMB) << 20,
		})
		if err != nil {
			return err
		}
		defer sstStore.Close()

		compactor := compaction.NewCompactor(sstStore, &metaIDAllocator{client: client}, cfg.Storage.BlockSizeKB<<10)
		worker := compaction.NewWorker(compactor, &metaTaskSource{client: client, workerID: reg.WorkerID}, 2, time.Second)
		worker.Start()
		defer worker.Stop()

		// Heartbeats keep the compactor in the roster.
		go func() {
			ticker := time.NewTicker(cfg.HeartbeatTTL() / 3)
			defer ticker.Stop()
			for range ticker.C {
				hbCtx, hbCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, err := client.Heartbeat(hbCtx, &rpc.HeartbeatRequest{WorkerID: reg.WorkerID})
				hbCancel()
				if err != nil {
					log.Errorf("compactor heartbeat failed", err)
				}
			}
		}()
		compactorLogger := log.WithComponent("compactor")
		compactorLogger.Info().Uint32("worker_id", reg.WorkerID).Msg("Compactor running")

		waitForSignal()
		return nil
	},
}
