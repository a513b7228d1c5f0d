package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many events to claim per poll.
	BatchSize int

	// PollInterval applies when there is no work or after an error.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce->archive workers.
	MaxConcurrency int
}

// Streamer claims pending margin_events rows, produces each to Kafka
// (key = organisation id, so per-organisation ordering holds), archives the
// JSON envelope to S3, and records the outcome back in the row. Failed rows
// are retried on later polls until the attempt cap.
type Streamer struct {
	store    store.Store
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

// NewStreamer constructs a streamer; zero cfg fields get defaults.
func NewStreamer(st store.Store, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    st,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls for pending events until ctx is cancelled. Safe to run in a
// goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[margin.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[margin.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		batch, err := s.store.FetchPendingEventsForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[margin.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for i := range batch {
			ev := batch[i]
			sem <- struct{}{}
			s.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, &ev); err != nil {
					log.Printf("[margin.streamer] event %s: %v", ev.ID, err)
				}
			}()
		}
		// Drain the batch before claiming more so claim order holds.
		s.wg.Wait()
	}
}

// processEvent produces then archives one event and marks the row.
func (s *Streamer) processEvent(parentCtx context.Context, ev *store.EventRecord) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	value, err := json.Marshal(Envelope(ev))
	if err != nil {
		s.markFailed(parentCtx, ev, fmt.Sprintf("marshal envelope: %v", err))
		return fmt.Errorf("marshal envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.OrganisationID), value)
	if err != nil {
		s.markFailed(parentCtx, ev, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	key, err := s.archiver.ArchiveEvent(ctx, ev)
	if err != nil {
		s.markFailed(parentCtx, ev, fmt.Sprintf("s3 archive: %v", err))
		return fmt.Errorf("s3 archive: %w", err)
	}

	archivedKey := sql.NullString{String: key, Valid: key != ""}
	if err := s.store.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}

	log.Printf("[margin.streamer] event %s streamed: produced_at=%s archived_key=%s", ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}

func (s *Streamer) markFailed(ctx context.Context, ev *store.EventRecord, msg string) {
	_ = s.store.MarkEventStreamResult(ctx, ev.ID, sql.NullString{}, false, sql.NullString{String: msg, Valid: true})
}
