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

// The orchestrator runs the data-testing workflow service: the per-instance
// coordinators, the signal and SLA machinery, and the HTTP API in front of
// them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/evidentra/testcycle-orchestrator/internal/httpapi"
	"github.com/evidentra/testcycle-orchestrator/pkg/audit"
	"github.com/evidentra/testcycle-orchestrator/pkg/clients"
	"github.com/evidentra/testcycle-orchestrator/pkg/config"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/store"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("ORCH_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fallback := logging.NewStructuredLogger(logging.Config{Level: "info", Format: "json", ServiceName: "testcycle-orchestrator"})
		fallback.ErrorWithContext("failed to load configuration", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger(logging.Config{
		Level:       logging.LogLevel(cfg.LogLevel),
		Format:      "json",
		ServiceName: "testcycle-orchestrator",
		Environment: cfg.Environment,
	})
	logger.InfoWithContext("starting testcycle orchestrator", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := workflow.NewMetrics(registry)

	// Collaborator adapters.
	invoker := clients.NewHTTPInvoker(cfg.Invoker, logger)
	notifier := clients.NewWebhookNotifier(cfg.Notifier, logger)
	authorizer := clients.NewRoleMapAuthorizer(cfg.Roles, logger)

	// Persistence.
	var workflowStore workflow.Store = workflow.NopStore{}
	var readiness []httpapi.Pinger
	var pgStore *store.PostgresStore
	if cfg.Postgres.DSN != "" {
		pgStore, err = store.NewPostgresStore(cfg.Postgres, logger)
		if err != nil {
			logger.ErrorWithContext("postgres init failed", err)
			os.Exit(1)
		}
		defer pgStore.Close() //nolint:errcheck
		if err := pgStore.Migrate(ctx); err != nil {
			logger.ErrorWithContext("schema migration failed", err)
			os.Exit(1)
		}
		workflowStore = pgStore
		readiness = append(readiness, pgStore)
	} else {
		logger.WarnWithContext("no postgres DSN configured, state is in-memory only")
		workflowStore = store.NewMemoryStore()
	}

	var statusCache *store.StatusCache
	if cfg.Cache.Address != "" {
		statusCache = store.NewStatusCache(cfg.Cache, logger)
		defer statusCache.Close() //nolint:errcheck
		readiness = append(readiness, statusCache)
	}

	var documents *clients.S3DocumentStore
	if cfg.Documents.Bucket != "" {
		documents, err = clients.NewS3DocumentStore(ctx, cfg.Documents, logger)
		if err != nil {
			logger.ErrorWithContext("document store init failed", err)
			os.Exit(1)
		}
	}

	// Audit trail.
	trail := audit.NewTrail(audit.DefaultConfig(), audit.NewLogBackend(logger), logger)
	if err := trail.Start(ctx); err != nil {
		logger.ErrorWithContext("audit trail start failed", err)
		os.Exit(1)
	}
	defer trail.Stop()

	// Workflow core.
	catalog := workflow.NewDefaultCatalog()
	catalog.SetSLADeadline(cfg.SLA.DefaultDeadline)

	slaMonitor := workflow.NewSLAMonitor(workflow.SLAMonitorConfig{
		EvaluationInterval: cfg.SLA.CheckInterval,
	}, notifier, metrics, logger)
	slaMonitor.SetStore(workflowStore)
	if err := slaMonitor.Start(ctx); err != nil {
		logger.ErrorWithContext("sla monitor start failed", err)
		os.Exit(1)
	}
	defer slaMonitor.Stop()

	dispatcher := workflow.NewSignalDispatcher(authorizer, metrics, logger)
	dispatcher.SetSLAMonitor(slaMonitor)

	executor := workflow.NewStepExecutor(invoker, workflow.DefaultExecutorConfig(), metrics, logger)
	compensation := workflow.NewCompensationHandler(invoker, notifier, metrics, logger)

	instances := workflow.NewRegistry(workflow.Dependencies{
		Catalog:      catalog,
		StateMachine: workflow.NewStateMachine(logger),
		Executor:     executor,
		Dispatcher:   dispatcher,
		SLA:          slaMonitor,
		Compensation: compensation,
		Notifier:     notifier,
		Audit:        trail,
		Store:        workflowStore,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err := instances.Start(ctx); err != nil {
		logger.ErrorWithContext("instance registry start failed", err)
		os.Exit(1)
	}

	// Config hot reload: SLA deadline and role grants apply live.
	if configPath != "" {
		watcher, werr := config.NewWatcher(configPath, func(next *config.Config) {
			catalog.SetSLADeadline(next.SLA.DefaultDeadline)
			authorizer.Replace(next.Roles)
		}, logger)
		if werr != nil {
			logger.WarnWithContext("config hot reload unavailable", "error", werr.Error())
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	server := httpapi.NewServer(cfg.Server, instances, httpapi.Options{
		Cache:     statusCache,
		Documents: documents,
		Readiness: readiness,
		Gatherer:  registry,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.ErrorWithContext("http server failed", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.InfoWithContext("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithContext("http server shutdown failed", err)
	}
	instances.Stop()
	logger.InfoWithContext("orchestrator stopped")
}
