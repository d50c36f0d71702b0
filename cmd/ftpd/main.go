// Command ftpd serves a directory tree over FTP.
//
//	ftpd -init                     write a starter config to the default location
//	ftpd -config /etc/ftpd.yaml    run with an explicit config file
//	echo secret | ftpd -hash-password
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/config"
	"github.com/gonzalop/ftpd/server"
	promsink "github.com/gonzalop/ftpd/stats/prometheus"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (default "+config.DefaultConfigPath()+")")
	initConfig := flag.Bool("init", false, "Write a sample configuration file and exit")
	force := flag.Bool("force", false, "With -init, overwrite an existing file")
	hashPassword := flag.Bool("hash-password", false, "Read a password from stdin and print its bcrypt hash")
	flag.Parse()

	switch {
	case *hashPassword:
		if err := printHash(); err != nil {
			log.Fatal(err)
		}
	case *initConfig:
		path := *configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if err := config.WriteSample(path, *force); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", path)
	default:
		if err := run(*configPath); err != nil {
			log.Fatal(err)
		}
	}
}

func printHash() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := config.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	logger := rt.Logger

	srv, err := server.NewServer(cfg.Server.Address(), rt.Options...)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if rt.Registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promsink.Handler(rt.Registry))
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Metrics.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics endpoint listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	logger.Info("ftpd started",
		"root", cfg.Filesystem.Root,
		"user_store", cfg.UserStore.Type,
		"anonymous", cfg.Anonymous.Enabled)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
		}
	}

	s := rt.Counters.Snapshot()
	logger.Info("ftpd stopped",
		"uptime", time.Since(s.StartTime).Round(time.Second),
		"connections", s.TotalConnections,
		"logins", s.TotalLogins,
		"failed_logins", s.TotalFailedLogins,
		"uploads", s.TotalUploads,
		"downloads", s.TotalDownloads,
		"upload_bytes", s.TotalUploadBytes,
		"download_bytes", s.TotalDownloadBytes)

	return result.ErrorOrNil()
}
