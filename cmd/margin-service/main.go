package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Duds/CouncilWorks-sub003/internal/auth"
	"github.com/Duds/CouncilWorks-sub003/internal/config"
	"github.com/Duds/CouncilWorks-sub003/internal/events"
	"github.com/Duds/CouncilWorks-sub003/internal/httpserver"
	"github.com/Duds/CouncilWorks-sub003/internal/margin"
	"github.com/Duds/CouncilWorks-sub003/internal/service"
	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}
	cancelPing()
	log.Println("connected to postgres")

	st := store.NewPGStore(db)

	verifier, err := auth.NewVerifier(cfg.AuthKeysFile, cfg.WriteScope)
	if err != nil {
		log.Fatalf("init auth verifier: %v", err)
	}
	if !verifier.Enabled() {
		log.Println("auth verifier disabled; mutating endpoints are unauthenticated (dev only)")
	}

	template := margin.DefaultConfiguration()
	template.Enabled = cfg.MarginEnabled
	template.RetentionPeriod = cfg.RetentionDays

	svc := service.New(st, template, nil)
	server := httpserver.New(svc, verifier, st, cfg.DefaultOrganisation)

	// Event streamer: DB-first, only when Kafka and S3 are both configured.
	var streamerCancel context.CancelFunc
	streamerDone := make(chan struct{})
	if cfg.StreamingConfigured() {
		producer, err := events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("init kafka producer: %v", err)
		}
		archiver, err := events.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("init s3 archiver: %v", err)
		}

		streamer := events.NewStreamer(st, producer, archiver, events.StreamerConfig{
			BatchSize:      cfg.StreamBatchSize,
			PollInterval:   cfg.StreamPollInterval,
			MaxConcurrency: cfg.StreamMaxConcurrency,
		})

		var streamerCtx context.Context
		streamerCtx, streamerCancel = context.WithCancel(context.Background())
		go func() {
			defer close(streamerDone)
			if err := streamer.Run(streamerCtx); err != nil && err != context.Canceled {
				log.Printf("[margin.streamer] exited: %v", err)
			}
		}()
		log.Printf("event streamer started (brokers=%v topic=%s bucket=%s)", cfg.KafkaBrokers, cfg.KafkaTopic, cfg.S3Bucket)
	} else {
		close(streamerDone)
		log.Println("event streamer not started: set MARGIN_EVENTS_KAFKA_BROKERS and MARGIN_EVENTS_S3_BUCKET to enable")
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("margin service listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	if streamerCancel != nil {
		streamerCancel()
		select {
		case <-streamerDone:
		case <-time.After(10 * time.Second):
			log.Println("streamer did not drain in time")
		}
	}

	log.Println("stopped")
}
