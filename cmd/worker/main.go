/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The worker binary runs the background task loop, the embedding drain,
// and the periodic scheduler for one tier.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/blob"
	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/crypto"
	"github.com/percolationlabs/percolate/internal/embedding"
	"github.com/percolationlabs/percolate/internal/kms"
	"github.com/percolationlabs/percolate/internal/kv"
	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/memory"
	"github.com/percolationlabs/percolate/internal/queue"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/usage"
	"github.com/percolationlabs/percolate/internal/worker"
	"github.com/percolationlabs/percolate/pkg/logging"
	"github.com/percolationlabs/percolate/pkg/metrics"
)

// flags groups the CLI flags for the worker binary.
type flags struct {
	workerID     string
	tier         string
	metricsAddr  string
	scheduler    bool
	embedDrain   bool
	pollInterval time.Duration
}

func parseFlags() *flags {
	f := &flags{}
	hostname, _ := os.Hostname()
	flag.StringVar(&f.workerID, "worker-id", hostname, "Worker identity stamped on claims")
	flag.StringVar(&f.tier, "tier", queue.TierSmall, "Queue tier to claim (micro, small, medium, large)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.BoolVar(&f.scheduler, "scheduler", false, "Run the periodic enqueuers in this process")
	flag.BoolVar(&f.embedDrain, "embed", true, "Drain the embedding queue in this process")
	flag.DurationVar(&f.pollInterval, "poll-interval", 5*time.Second, "Sleep between empty claims")
	flag.Parse()

	envFallback(&f.workerID, hostname, "WORKER_ID")
	envFallback(&f.tier, queue.TierSmall, "WORKER_TIER")
	envFallback(&f.metricsAddr, ":9090", "METRICS_ADDR")
	return f
}

// envFallback sets *dst from the environment when *dst still holds the
// default and the variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(config.EnvPrefix + envKey); v != "" {
			*dst = v
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	opts := config.FromEnv()
	if err := opts.Validate(); err != nil {
		return err
	}

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer pool.Close()

	// --- Core services ---
	kmsProvider, err := kms.NewProvider(opts)
	if err != nil {
		return err
	}
	cryptoSvc := crypto.NewService(kmsProvider, crypto.NewPostgresKeyStore(pool), log)
	registry := store.NewRegistry(pool)
	entities := store.New(pool, registry, cryptoSvc, log)

	llmClient := llm.NewOpenAIClient(opts.EmbeddingAPIKey,
		llm.WithBaseURL(opts.EmbeddingBaseURL),
		llm.WithEmbeddingModel(opts.EmbeddingModel))

	memorySvc := memory.NewService(entities, memory.Options{
		TokenBudget:     opts.ContextTokenBudget,
		AlwaysLastN:     opts.AlwaysIncludeLastMessages,
		MomentThreshold: opts.MomentThreshold,
	}, log)

	blobs, err := newBlobStorage(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	// --- Queue, worker, handlers ---
	q := queue.New(pool)
	tracker := usage.NewTracker(pool)
	workerMetrics := metrics.NewWorkerMetrics()

	runner := agent.NewRunner(agent.NewLoader(entities), memorySvc, llmClient, nil, log)

	runtime := worker.NewRuntime(q, tracker, workerMetrics, f.workerID, f.tier, log)
	runtime.Register(queue.TypeFileProcessing,
		worker.NewFileProcessor(entities, blobs, nil, log).Handle)
	runtime.Register(queue.TypeDreaming,
		worker.NewDreamer(entities, memorySvc, runner, log).Handle)
	enricher := worker.NewEnricher(entities, runner, log)
	runtime.Register(queue.TypeNews, enricher.HandleNews)
	runtime.Register(queue.TypeReadingSummary, enricher.HandleReadingSummary)
	runtime.Register(queue.TypeNotification, enricher.HandleNotification)

	// --- Metrics server ---
	metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Infow("starting metrics server", "addr", f.metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server error", "error", err)
		}
	}()

	// --- Scheduler (optional) ---
	if f.scheduler {
		kvSync := kv.NewSync(pool, registry, log)
		scheduler := queue.NewScheduler(pool, q, kvSync, workerMetrics, log)
		if err := scheduler.Start(ctx, queue.SchedulerOptions{}); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	// --- Embedding drain (optional) ---
	if f.embedDrain {
		embedWorker := embedding.NewWorker(pool, entities, llmClient, opts.EmbeddingModel, workerMetrics, log)
		go func() {
			if err := embedWorker.Run(ctx, f.pollInterval); err != nil {
				log.Errorw("embedding worker stopped", "error", err)
			}
		}()
	}

	// --- Queue depth gauge ---
	go reportDepth(ctx, q, workerMetrics, log)

	log.Infow("worker ready", "worker", f.workerID, "tier", f.tier,
		"scheduler", f.scheduler, "embed", f.embedDrain)

	err = runtime.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if shutErr := metricsSrv.Shutdown(shutCtx); shutErr != nil {
		log.Errorw("metrics server shutdown error", "error", shutErr)
	}
	return err
}

func newBlobStorage(ctx context.Context, opts config.Options) (blob.Storage, error) {
	switch opts.BlobBackend {
	case "s3":
		return blob.NewS3Storage(ctx, blob.S3Config{Region: opts.BlobRegion})
	default:
		return blob.NewLocalStorage(opts.BlobLocalDir)
	}
}

// reportDepth refreshes the pending-task gauges once a minute.
func reportDepth(ctx context.Context, q *queue.Queue, m *metrics.WorkerMetrics, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx)
			if err != nil {
				log.Warnw("queue depth", "error", err)
				continue
			}
			for tier, n := range depth {
				m.RecordDepth(tier, n)
			}
		}
	}
}
