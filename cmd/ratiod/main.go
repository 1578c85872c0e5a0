// Command ratiod runs the lifecycle coordinator (C5): it subscribes the
// coordinator's event handlers on an event bus and runs the periodic
// reconciliation sweep, backed by either in-memory or durable
// (MongoDB/Redis/HTTP) collaborators selected by flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/jarosser06/ratio-sub000/coordinator"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/storage"
	"github.com/jarosser06/ratio-sub000/telemetry"
	"github.com/jarosser06/ratio-sub000/token"
)

func main() {
	var (
		processBackendF = flag.String("process-backend", "inmem", "Process store backend (inmem, mongo)")
		eventBackendF   = flag.String("event-backend", "inmem", "Event bus backend (inmem, redis)")
		storageBackendF = flag.String("storage-backend", "inmem", "Storage collaborator backend (inmem, http)")
		mongoURIF       = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI (process-backend=mongo)")
		mongoDBF        = flag.String("mongo-database", "ratio", "MongoDB database name (process-backend=mongo)")
		redisAddrF      = flag.String("redis-addr", "localhost:6379", "Redis address (event-backend=redis)")
		storageURLF     = flag.String("storage-url", "", "Storage collaborator base URL (storage-backend=http)")
		jwtSecretF      = flag.String("jwt-secret", "", "HMAC secret for signing execution tokens (required)")
		jwtIssuerF      = flag.String("jwt-issuer", "ratio", "JWT issuer stamped on signed tokens")
		globalTimeoutF  = flag.Duration("global-timeout", 15*time.Minute, "Global process timeout before reconciliation closes a RUNNING process")
		dbgF            = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if *jwtSecretF == "" {
		log.Fatal(ctx, fmt.Errorf("-jwt-secret is required"))
	}

	processes, closeProcesses, err := buildProcessStore(ctx, *processBackendF, *mongoURIF, *mongoDBF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build process store: %w", err))
	}
	defer closeProcesses()

	bus, closeBus, err := buildEventBus(*eventBackendF, *redisAddrF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build event bus: %w", err))
	}
	defer closeBus()

	storageClient, err := buildStorageClient(*storageBackendF, *storageURLF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build storage client: %w", err))
	}

	signer := token.NewHMACSigner([]byte(*jwtSecretF), *jwtIssuerF)
	tokens := token.NewService(signer, nil)
	logger := telemetry.NewClueLogger()

	coord := coordinator.New(coordinator.Config{
		Processes:     processes,
		Storage:       storageClient,
		Bus:           bus,
		Tokens:        tokens,
		Logger:        logger,
		GlobalTimeout: *globalTimeoutF,
	})
	if err := coord.Subscribe(bus); err != nil {
		log.Fatal(ctx, fmt.Errorf("subscribe coordinator handlers: %w", err))
	}

	reconciler := coordinator.NewReconciler(processes, bus, tokens, logger, *globalTimeoutF)
	reconciler.Start()
	defer reconciler.Stop()

	log.Print(ctx, log.KV{K: "process-backend", V: *processBackendF}, log.KV{K: "event-backend", V: *eventBackendF}, log.KV{K: "storage-backend", V: *storageBackendF})

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	log.Printf(ctx, "exiting (%v)", <-c)
}

func buildProcessStore(ctx context.Context, backend, mongoURI, mongoDatabase string) (process.Store, func(), error) {
	switch backend {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		collection := client.Database(mongoDatabase).Collection("processes")
		return process.NewMongoStore(collection), func() { _ = client.Disconnect(ctx) }, nil
	case "inmem":
		return process.NewInmemStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown process-backend %q", backend)
	}
}

func buildEventBus(backend, redisAddr string) (eventbus.Bus, func(), error) {
	switch backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		bus := eventbus.NewRedisBus(client)
		return bus, func() { _ = bus.Close(); _ = client.Close() }, nil
	case "inmem":
		return eventbus.NewInmemBus(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown event-backend %q", backend)
	}
}

func buildStorageClient(backend, storageURL string) (storage.Client, error) {
	switch backend {
	case "http":
		if storageURL == "" {
			return nil, fmt.Errorf("-storage-url is required for storage-backend=http")
		}
		return storage.NewHTTPClient(storageURL, nil), nil
	case "inmem":
		return storage.NewInmemClient(), nil
	default:
		return nil, fmt.Errorf("unknown storage-backend %q", backend)
	}
}
