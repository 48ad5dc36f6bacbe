// disco master
//
// Standalone master process: accepts job packs over HTTP, runs one
// coordinator per job, and submits tasks to an external cluster scheduler.
//
// Usage:
//
//	disco-master -addr :8989 -scheduler-url http://scheduler:8990
//
// Configuration beyond the flags comes from DISCO_* environment variables.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmorlock/disco/config"
	"github.com/jmorlock/disco/events"
	"github.com/jmorlock/disco/intake"
	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/master"
	"github.com/jmorlock/disco/observability"
	"github.com/jmorlock/disco/scheduler"
)

func main() {
	addr := flag.String("addr", ":8989", "intake HTTP address")
	schedulerURL := flag.String("scheduler-url", "http://localhost:8990", "cluster scheduler base URL")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP trace collector endpoint (empty disables tracing)")
	traceRatio := flag.Float64("trace-ratio", 1.0, "fraction of traces sampled")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	logger.Info("disco_master_starting", "addr", *addr, "scheduler_url", *schedulerURL, "job_home", cfg.JobHome)

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracer(context.Background(), "disco-master", *otlpEndpoint, *traceRatio)
		if err != nil {
			logger.Error("tracing_init_failed", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("tracing_shutdown_failed", "error", err.Error())
			}
		}()
	}

	sched, err := scheduler.NewClient(*schedulerURL, nil)
	if err != nil {
		logger.Error("scheduler_client_failed", "error", err.Error())
		os.Exit(1)
	}

	sink := events.NewServer(logger)
	m := master.New(cfg, logger, sched, sink)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	intake.New(m, logger).Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		if err := e.Start(*addr); err != nil && err != http.ErrServerClosed {
			logger.Error("http_server_failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutdown_signal_received", "signal", s.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		logger.Warn("master_shutdown_incomplete", "error", err.Error())
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Warn("http_shutdown_incomplete", "error", err.Error())
	}
	logger.Info("disco_master_stopped")
}
