// Package main is the cuvette-broker composition root: wires the Parameter
// Registry, Machine Store, Inspector Pipeline, Provisioner Registry, Task
// Engine, House-Keeper, and Broker together and serves the HTTP surface.
// Modeled on cmd/bmdemo-server/main.go's structure (flag parsing, slog
// setup, signal.NotifyContext graceful shutdown).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryncsn/cuvette/internal/broker"
	"github.com/ryncsn/cuvette/internal/config"
	"github.com/ryncsn/cuvette/internal/dedup"
	"github.com/ryncsn/cuvette/internal/housekeeper"
	"github.com/ryncsn/cuvette/internal/httpapi"
	"github.com/ryncsn/cuvette/internal/inspector"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/provisioner"
	"github.com/ryncsn/cuvette/internal/provisioner/labhttp"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/remoteexec/sshexec"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

var logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config: failed to load", "err", err)
		os.Exit(1)
	}

	s := store.New()

	exec := sshexec.New([]sshexec.Credential{{User: "root", Password: "changeme"}})
	inspectors := []inspector.Inspector{
		inspector.Core{}, inspector.CPU{}, inspector.Memory{},
		inspector.NUMA{}, inspector.Devices{}, inspector.Disk{}, inspector.Meta{},
	}
	pipeline := inspector.NewPipeline(exec, logger.With("component", "inspector"), inspectors...)

	filterers := make([]query.Filterer, 0, len(inspectors))
	paramDecls := make([]param.Declaration, 0)
	for _, insp := range inspectors {
		filterers = append(filterers, insp)
		paramDecls = append(paramDecls, insp.Parameters()...)
	}

	provs := provisioner.NewRegistry(logger.With("component", "provisioner"))
	lab := labhttp.New("lab", cfg.LabServiceURL)
	provs.Register(lab, lab.Parameters())
	paramDecls = append(paramDecls, lab.Parameters()...)

	inspectorParams := map[string]bool{}
	for _, insp := range inspectors {
		for _, d := range insp.Parameters() {
			inspectorParams[d.Name] = true
		}
	}
	provs.CheckParameters(inspectorParams)

	params, err := param.Build(paramDecls)
	if err != nil {
		logger.Error("param: failed to build registry", "err", err)
		os.Exit(1)
	}

	engine := task.New(s, logger.With("component", "task"))

	b := broker.New(s, params, provs, engine, pipeline, filterers, dedup.NewMemSessionStore(), logger.With("component", "broker"))

	hk := housekeeper.New(s, engine, provs.Lookup, logger.With("component", "housekeeper"))

	srv := httpapi.New(b, params, provs, nil, nil, logger.With("component", "httpapi"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.RestartAll(provs.Lookup, pipeline)
	go hk.Run(ctx)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		engine.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http: graceful shutdown failed", "err", err)
		}
	}()

	logger.Info("cuvette-broker starting", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http: serve failed", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
