// coursetree server
// Serves the hierarchical course content API
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nainya/coursetree/internal/logger"
	"github.com/nainya/coursetree/internal/metrics"
	"github.com/nainya/coursetree/internal/server"
)

var (
	port        = flag.Int("port", 8080, "API server port")
	metricsPort = flag.Int("metrics-port", 9090, "Observability server port")
	dbPath      = flag.String("db", "coursetree.db", "Database directory path")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logPretty   = flag.Bool("log-pretty", false, "Pretty-print logs for development")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics()

	log.LogServerStart(*port, *dbPath)

	apiServer, err := server.NewServer(server.Config{Port: *port, DBPath: *dbPath}, log, m)
	if err != nil {
		log.Fatal("Failed to create server").Err(err).Send()
	}

	obsServer := server.NewObservabilityServer(*metricsPort, log)
	go func() {
		if err := obsServer.Start(); err != nil {
			log.Error("Observability server failed").Err(err).Send()
		}
	}()

	go func() {
		log.LogServerReady(*port)
		if err := apiServer.Start(); err != nil {
			log.Fatal("API server failed").Err(err).Send()
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.LogServerShutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := obsServer.Shutdown(ctx); err != nil {
		log.Error("Observability shutdown failed").Err(err).Send()
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error("API shutdown failed").Err(err).Send()
	}
}
