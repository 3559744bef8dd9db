package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/chatline/chatline/internal/api"
	"github.com/chatline/chatline/internal/archive"
	"github.com/chatline/chatline/internal/config"
	signalsrv "github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/stats"
)

const defaultSigningKey = "c2Rmc2Rmc2RmNDU2NDU2NDU2cnRnZGZnZGZn"

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	migrationsDir  string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded token signing key")
	flag.StringVar(&migrationsDir, "migrations-dir", "db/migrations", "directory containing database migrations")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatline] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, migrationsDir, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, err := archive.NewPgChatArchive(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := db.Migrate(cfg.MigrationsDir); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	signalServer, err := signalsrv.NewSignalServer(logger, statsUpdater)
	if err != nil {
		logger.Fatal("new signal server:", err)
	}

	srv := api.NewChatApp(mux, logger, signalServer, db, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down signal server...")
	if err := signalServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("signal server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
