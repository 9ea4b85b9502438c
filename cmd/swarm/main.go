package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/bus"
	"github.com/arcreach/testswarm/internal/config"
	"github.com/arcreach/testswarm/internal/model"
	"github.com/arcreach/testswarm/internal/monitor"
	"github.com/arcreach/testswarm/internal/relay"
	"github.com/arcreach/testswarm/internal/runner"
	"github.com/arcreach/testswarm/internal/swarm"
)

var (
	cfgFile     string
	taskCount   int
	failRate    float64
	metricsAddr string
	natsURL     string
	devLogging  bool
)

// SleepRunner is the demo runner: it sleeps a short random interval and
// fails a configurable fraction of executions, which exercises the retry
// and failover machinery without external services.
type SleepRunner struct {
	failRate float64
}

func (r *SleepRunner) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	select {
	case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() < r.failRate {
		return nil, fmt.Errorf("simulated assertion failure in %s", task.ID)
	}
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      []byte("ok"),
		CompletedAt: time.Now(),
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Parallel test-execution engine with hot-standby failover",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devLogging, "dev", false, "human-readable development logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo swarm of synthetic tasks",
		RunE:  runSwarm,
	}
	runCmd.Flags().IntVar(&taskCount, "tasks", 100, "number of synthetic tasks to run")
	runCmd.Flags().Float64Var(&failRate, "fail-rate", 0.05, "fraction of task executions that fail")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus endpoint (disabled when empty)")
	runCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL to relay events to (disabled when empty)")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSwarm(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	metrics := monitor.NewMetrics()

	deploy := func(ctx context.Context, slotIndex int) (string, error) {
		// Simulated provisioning cost so hot and cold failover differ the
		// way they would against a real provider.
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "worker-" + uuid.New().String()[:8], nil
	}

	orch, err := swarm.NewOrchestrator(cfg, deploy, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	defer orch.Shutdown()

	orch.RegisterRunner("sleep", &SleepRunner{failRate: failRate})
	orch.RegisterRunner("http_probe", runner.NewHTTPProbeRunner(logger))
	orch.RegisterRunner("shell", runner.NewShellRunner(logger))

	if natsURL != "" {
		r, err := attachRelay(orch, logger)
		if err != nil {
			logger.Fatal("Failed to attach NATS relay", zap.Error(err))
		}
		defer r.Close()
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			logger.Info("Serving metrics", zap.String("addr", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sampler := monitor.NewSystemSampler(orch.Bus(), 5*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		orch.Cancel()
		cancel()
	}()

	if err := sampler.Start(ctx); err != nil {
		logger.Fatal("Failed to start system sampler", zap.Error(err))
	}
	defer sampler.Stop()

	orch.Bus().Subscribe(bus.TopicSwarmBatchUpdate, func(batch []*bus.Message) {
		last := batch[len(batch)-1].Event.(bus.BatchUpdateEvent)
		logger.Info("Swarm progress",
			zap.Int("completed", last.Status.CompletedTasks),
			zap.Int("total", last.Status.TotalTasks),
			zap.Int("active_workers", last.Status.ActiveWorkers),
			zap.Int64("eta_ms", last.Status.EstimatedTimeRemainingMs))
	})

	tasks := make([]*model.Task, taskCount)
	for i := range tasks {
		tasks[i] = &model.Task{
			ID:          fmt.Sprintf("task-%d", i+1),
			Name:        "sleep",
			Description: "synthetic demo task",
			Priority:    rand.Intn(100),
			Status:      model.TaskStatusPending,
			CreatedAt:   time.Now(),
		}
	}

	if err := orch.ExecuteSwarm(ctx, tasks); err != nil {
		logger.Error("Swarm run failed", zap.Error(err))
		return err
	}

	status := orch.GetStatus()
	logger.Info("Swarm finished",
		zap.Int("passed", status.PassedTasks),
		zap.Int("failed", status.FailedTasks),
		zap.Bool("fatal", status.Fatal))
	return nil
}

func newLogger() (*zap.Logger, error) {
	if devLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig reads the optional YAML config. A missing file falls back to
// defaults; a malformed one is an error.
func loadConfig() (config.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		return config.Config{}, err
	}
	return config.FromViper(v)
}

func attachRelay(orch *swarm.Orchestrator, logger *zap.Logger) (*relay.Relay, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("testswarm"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	r := relay.New(js, logger)
	if err := r.EnsureStream(); err != nil {
		r.Close()
		return nil, err
	}
	r.Attach(orch.Bus(),
		bus.TopicWorkerFailover,
		bus.TopicSwarmStart,
		bus.TopicSwarmBatchUpdate,
		bus.TopicSwarmComplete,
		bus.TopicTaskComplete,
		bus.TopicTaskError,
		bus.TopicSystemMetrics)

	logger.Info("Relaying events to NATS", zap.String("url", natsURL))
	return r, nil
}
