package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("mithril-proxy: %v", err)
	}
}

func run() error {
	settings := loadSettings()

	registry, err := loadRegistry(settings.DestinationsPath, settings.SecretsPath)
	if err != nil {
		return err
	}
	log.Printf("Loaded %d destinations from %s", registry.Len(), settings.DestinationsPath)

	audit, err := openAuditSink(settings)
	if err != nil {
		return err
	}
	defer audit.Close()

	scanner := newScanner(settings, nil)
	scanner.LoadPatterns()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	scanner.Watch(watchCtx)

	core := newCore(settings, registry, audit, scanner)
	core.bridges.StartEager(registry)

	mainServer := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: newMux(core),
	}
	adminServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", settings.AdminPort),
		Handler: newAdminMux(core),
	}

	// Both listeners fan out under one errgroup so a failed bind or serve
	// flows back into this function's shutdown sequence instead of exiting
	// with bridges and queued audit records abandoned.
	var eg errgroup.Group
	eg.Go(func() error {
		log.Printf("Proxy listening on %s", settings.ListenAddr)
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy listener: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		log.Printf("Admin listening on %s", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})

	serveDone := make(chan error, 1)
	go func() { serveDone <- eg.Wait() }()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		log.Println("Shutdown signal received")
	case serveErr = <-serveDone:
		if serveErr != nil {
			log.Printf("Listener failed: %v", serveErr)
		}
	}

	// Reverse dependency order: handlers, then bridges, then the sink.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	shutdownServer(shutdownCtx, mainServer, "proxy")
	shutdownServer(shutdownCtx, adminServer, "admin")
	if err := eg.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	cancelWatch()
	core.bridges.ShutdownAll(shutdownCtx)
	audit.Close()
	return serveErr
}
