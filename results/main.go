package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/cipher"
	"github.com/animus-labs/experiment-results/internal/deployment"
	"github.com/animus-labs/experiment-results/internal/dispatch"
	"github.com/animus-labs/experiment-results/internal/platform/auditlog"
	"github.com/animus-labs/experiment-results/internal/platform/auth"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/platform/env"
	"github.com/animus-labs/experiment-results/internal/platform/httpserver"
	"github.com/animus-labs/experiment-results/internal/repo/sqlstore"
	"github.com/animus-labs/experiment-results/internal/service/results"
	"github.com/getkin/kin-openapi/routers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const serviceName = "results"

func main() {
	if err := env.LoadDotEnv(strings.Split(env.String("RESULTS_ENV_FILES", ".env"), ",")...); err != nil {
		fmt.Fprintln(os.Stderr, "load env files:", err)
		os.Exit(2)
	}
	logger, err := newLogger(env.String("RESULTS_LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid RESULTS_LOG_LEVEL:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, "RESULTS")
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	pipelineCfg, err := results.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid pipeline config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := sqlstore.Migrate(ctx, db, dbCfg.Driver); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}
	conn := database.Bind(dbCfg.Driver, db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var deployments results.DeploymentChecker
	if pipelineCfg.RequireDeploymentComplete {
		deploymentCfg, err := deployment.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid deployment config", "error", err)
			os.Exit(2)
		}
		client, err := deployment.NewClient(deploymentCfg)
		if err != nil {
			logger.Error("deployment client init failed", "error", err)
			os.Exit(2)
		}
		deployments = client
	}

	credentialCipher := cipher.New(pipelineCfg.CipherIterations)
	blobs := blobstore.NewMinioStore(pipelineCfg.MaxPayloadBytes)
	experiments := sqlstore.NewExperimentStore(conn)
	outputs := sqlstore.NewOutputStore(conn)
	dataRepositories := sqlstore.NewDataRepositoryStore(conn)

	svc, err := results.New(pipelineCfg, results.Deps{
		Experiments:      experiments,
		Outputs:          outputs,
		DataRepositories: dataRepositories,
		Requests:         sqlstore.NewResultsRequestStore(db, dbCfg.Driver),
		Cipher:           credentialCipher,
		Blobs:            blobs,
		Deployments:      deployments,
		Metrics:          results.NewMetrics(registry),
		Logger:           logger,
	})
	if err != nil {
		logger.Error("results service init failed", "error", err)
		os.Exit(2)
	}

	readiness := []httpserver.ReadinessCheck{{
		Name: string(dbCfg.Driver),
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}}

	mode := strings.ToLower(strings.TrimSpace(env.String("RESULTS_DISPATCHER", "inprocess")))
	var inProcess *dispatch.InProcess
	switch mode {
	case "", "inprocess":
		inProcess = dispatch.NewInProcess(ctx, svc, logger)
		svc.UseDispatcher(inProcess)
	case "redis":
		redisCfg, err := dispatch.RedisConfigFromEnv()
		if err != nil {
			logger.Error("invalid redis config", "error", err)
			os.Exit(2)
		}
		client, err := dispatch.NewRedisClient(ctx, redisCfg, 5*time.Second)
		if err != nil {
			logger.Error("redis unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		svc.UseDispatcher(dispatch.NewRedisDispatcher(client, redisCfg))
		readiness = append(readiness, redisReadiness(client))

		workerEnabled, err := env.Bool("RESULTS_WORKER_ENABLED", true)
		if err != nil {
			logger.Error("invalid worker flag", "error", err)
			os.Exit(2)
		}
		if workerEnabled {
			worker := dispatch.NewWorker(client, redisCfg, svc, logger)
			if err := worker.EnsureGroup(ctx); err != nil {
				logger.Error("redis consumer group init failed", "error", err)
				os.Exit(1)
			}
			go func() {
				if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("results worker stopped", "error", err)
				}
			}()
		}
	default:
		logger.Error("unsupported dispatcher", "mode", mode)
		os.Exit(2)
	}

	router, err := loadRouter()
	if err != nil {
		logger.Error("openapi init failed", "error", err)
		os.Exit(2)
	}

	api := &resultsAPI{
		logger:           logger,
		service:          svc,
		experiments:      experiments,
		outputs:          outputs,
		dataRepositories: dataRepositories,
		cipher:           credentialCipher,
		blobs:            blobs,
		lineage:          conn,
		audit:            conn,
		cfg:              svc.Config(),
		now:              func() time.Time { return time.Now().UTC() },
	}
	handler := newHandler(logger, handlerDeps{
		api:           api,
		router:        router,
		authenticator: authenticator,
		audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, conn, serviceName, event)
		},
		readiness:   readiness,
		registry:    registry,
		httpMetrics: httpserver.NewMetrics(registry, serviceName),
	})

	if err := httpserver.Run(ctx, logger, httpCfg, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	if inProcess != nil {
		inProcess.Wait()
	}
}

type handlerDeps struct {
	api           *resultsAPI
	router        routers.Router
	authenticator auth.Authenticator
	audit         auth.AuditFunc
	readiness     []httpserver.ReadinessCheck
	registry      *prometheus.Registry
	httpMetrics   *httpserver.Metrics
}

func newHandler(logger *slog.Logger, d handlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, d.readiness...))
	if d.registry != nil {
		mux.Handle("GET /metrics", httpserver.Handler(d.registry))
	}
	d.api.register(mux)

	var handler http.Handler = d.httpMetrics.Middleware(mux)
	if d.router != nil {
		handler = validateRequests(logger, d.router, handler)
	}
	if d.authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: d.authenticator,
			Authorize:     auth.DefaultRolePolicy().Authorizer(),
			Audit:         d.audit,
			SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
		}.Wrap(handler)
	}
	return httpserver.Wrap(logger, serviceName, handler)
}

func redisReadiness(client *redis.Client) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: "redis",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return client.Ping(checkCtx).Err()
		},
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
