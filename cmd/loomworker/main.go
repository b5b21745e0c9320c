// Command loomworker hosts the durable planner runtime: it claims queued runs
// from MongoDB, drives the planner loop against the configured LLM providers,
// and mirrors run events to Pulse streams when Redis is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/loomworks/loom/features/planner/anthropic"
	"github.com/loomworks/loom/features/planner/chain"
	"github.com/loomworks/loom/features/planner/openai"
	memorymongo "github.com/loomworks/loom/features/memory/mongo"
	mongostore "github.com/loomworks/loom/features/store/mongo"
	streampulse "github.com/loomworks/loom/features/stream/pulse"
	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
	"github.com/loomworks/loom/runtime/adapter"
	"github.com/loomworks/loom/runtime/planner"
	"github.com/loomworks/loom/runtime/policy"
	"github.com/loomworks/loom/runtime/queue"
	"github.com/loomworks/loom/runtime/signals"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/tools"
)

func main() {
	var (
		httpPortF = flag.String("http-port", "8080", "health endpoint port")
		dbgF      = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := loadConfig()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Persistence.
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongodb")
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()
	st, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.Database})
	if err != nil {
		log.Fatalf(ctx, err, "initialize store")
	}
	memStore, err := memorymongo.New(memorymongo.Options{Client: mongoClient, Database: cfg.Database})
	if err != nil {
		log.Fatalf(ctx, err, "initialize memory store")
	}
	pingers := []health.Pinger{st, memStore}

	// Run event fan-out. Without Redis the event log in Mongo remains the
	// sole copy and live tails are unavailable.
	var emitter *stream.Emitter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "parse redis url")
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "initialize pulse client")
		}
		streams, err := streampulse.NewRuntimeStreams(streampulse.RuntimeStreamsOptions{Client: pulseClient})
		if err != nil {
			log.Fatalf(ctx, err, "initialize run streams")
		}
		emitter = stream.NewEmitter(streams.Sink(), logger)
		pingers = append(pingers, redisPinger{rdb})
	} else {
		emitter = stream.NewEmitter(nil, logger)
		log.Infof(ctx, "REDIS_URL not set, run event fan-out disabled")
	}
	defer emitter.Close(ctx)

	// Policy pack.
	pack := policy.RulePack{ID: "default", Version: "v1"}
	if cfg.PolicyPack != "" {
		pack, err = policy.LoadPackFile(cfg.PolicyPack)
		if err != nil {
			log.Fatalf(ctx, err, "load policy pack")
		}
	}
	engine, err := policy.NewRuleEngine(pack)
	if err != nil {
		log.Fatalf(ctx, err, "initialize policy engine")
	}
	log.Print(ctx, log.KV{K: "policy_pack", V: pack.ID + "@" + pack.Version})

	// Planner providers, tried in declaration order.
	plan, err := buildPlanner(cfg, logger)
	if err != nil {
		log.Fatalf(ctx, err, "initialize planner")
	}

	// Tool registry. Deployments register their provider tools here before
	// the worker starts claiming jobs.
	registry := tools.NewRegistry()
	retryPolicy := adapter.DefaultRetryPolicy()
	execute := adapter.Wrap(registry.Execute, adapter.Options{
		Idempotency: adapter.NewMemoryIdempotencyStore(),
		Retry:       &retryPolicy,
	})

	loop, err := planner.NewLoop(planner.Deps{
		Store:             st,
		Registry:          registry,
		Execute:           execute,
		Plan:              plan,
		Policy:            engine,
		Approvals:         engine,
		PolicyPack:        engine.Ref(),
		PolicyConstraints: engine.Constraints(),
		Emitter:           emitter,
		Memory:            memStore.Provider(),
		Logger:            logger,
		Metrics:           metrics,
	}, planner.Options{MaxSteps: cfg.MaxSteps})
	if err != nil {
		log.Fatalf(ctx, err, "initialize planner loop")
	}

	worker, err := queue.NewWorker(st, loop, emitter, logger, metrics, queue.WorkerOptions{
		WorkerID:       cfg.WorkerID,
		Concurrency:    cfg.Concurrency,
		Lease:          cfg.Lease,
		ExecuteTimeout: cfg.ExecTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize worker")
	}

	ingress, err := signals.NewIngress(st, emitter, logger)
	if err != nil {
		log.Fatalf(ctx, err, "initialize signal ingress")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	// Control-plane API and health endpoint.
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	controlAPI := &api{store: st, emitter: emitter, ingress: ingress, maxAttempts: cfg.MaxAttempts}
	controlAPI.mount(mux)
	httpServer := &http.Server{Addr: ":" + *httpPortF, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "http", V: httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "worker", V: cfg.WorkerID})
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	worker.Stop()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown health endpoint")
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

// buildPlanner assembles the provider failover chain from configured API
// keys. At least one provider key is required.
func buildPlanner(cfg config, logger telemetry.Logger) (planner.PlanFunc, error) {
	var providers []chain.Provider
	if cfg.AnthropicKey != "" {
		p, err := anthropic.NewFromAPIKey(cfg.AnthropicKey, anthropic.Options{Model: cfg.AnthropicName})
		if err != nil {
			return nil, err
		}
		providers = append(providers, chain.Provider{Name: "anthropic", Plan: p.PlanFunc()})
	}
	if cfg.OpenAIKey != "" {
		p, err := openai.NewFromAPIKey(cfg.OpenAIKey, openai.Options{Model: cfg.OpenAIName})
		if err != nil {
			return nil, err
		}
		providers = append(providers, chain.Provider{Name: "openai", Plan: p.PlanFunc()})
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no planner provider configured, set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	c, err := chain.New(logger, providers...)
	if err != nil {
		return nil, err
	}
	return c.PlanFunc(), nil
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
