package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbodonnell/plaza/pkg/api"
	authproviders "github.com/cbodonnell/plaza/pkg/auth/providers"
	"github.com/cbodonnell/plaza/pkg/broker"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/repositories"
	"github.com/cbodonnell/plaza/pkg/workers"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	logLevel := flag.String("log-level", "info", "Log level")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connStr := os.Getenv("PLAZA_DATABASE_URL")
	if connStr == "" {
		connStr = "sqlite://plaza.db"
	}
	repository, err := repositories.Open(ctx, connStr)
	if err != nil {
		panic(fmt.Sprintf("Failed to open repository: %v", err))
	}
	defer repository.Close(ctx)

	authProvider, err := newAuthProvider(ctx)
	if err != nil {
		panic(fmt.Sprintf("Failed to create auth provider: %v", err))
	}

	departuresChannelSize := 100
	departures := make(chan broker.Departure, departuresChannelSize)
	realtime, err := broker.NewBroker(broker.NewBrokerOptions{
		AuthProvider: authProvider,
		Departures:   departures,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create realtime broker: %v", err))
	}

	saveDepartureWorker := workers.NewSaveDepartureWorker(workers.NewSaveDepartureWorkerOptions{
		Repository:     repository,
		DeparturesChan: departures,
	})
	go saveDepartureWorker.Start(ctx)

	var tlsConfig *api.TLSConfig
	if *tlsCert != "" && *tlsKey != "" {
		tlsConfig = &api.TLSConfig{CertFile: *tlsCert, KeyFile: *tlsKey}
	}
	apiServer := api.NewAPIServer(api.NewAPIServerOptions{
		Port:         *port,
		TLS:          tlsConfig,
		AuthProvider: authProvider,
		Repository:   repository,
		Realtime:     realtime,
	})
	go apiServer.Start()

	go logStats(ctx, realtime, time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server: %v", err)
	}
	cancel()
}

// newAuthProvider prefers Firebase when a project is configured and falls
// back to static tokens for local development.
func newAuthProvider(ctx context.Context) (authproviders.AuthProvider, error) {
	if projectID := os.Getenv("PLAZA_FIREBASE_PROJECT_ID"); projectID != "" {
		log.Info("Verifying tokens with Firebase project %s", projectID)
		return authproviders.NewFirebaseAuthProvider(ctx, authproviders.FirebaseOptions{
			ProjectID:       projectID,
			APIKey:          os.Getenv("PLAZA_FIREBASE_API_KEY"),
			CredentialsFile: os.Getenv("PLAZA_FIREBASE_CREDENTIALS"),
		})
	}
	tokens, err := authproviders.ParseStaticTokens(os.Getenv("PLAZA_STATIC_TOKENS"))
	if err != nil {
		return nil, err
	}
	log.Warn("PLAZA_FIREBASE_PROJECT_ID is not set, accepting %d static tokens", len(tokens))
	return authproviders.NewStaticAuthProvider(tokens), nil
}

func logStats(ctx context.Context, b *broker.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			log.Info("Realtime: %d connections, %d topics, %d relayed, %d rejected, %d dropped",
				stats.Connections, stats.Topics, stats.Relayed, stats.Rejected, stats.Dropped)
		}
	}
}
