package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/finpost/backend/internal/config"
	"github.com/finpost/backend/internal/eventbus"
	"github.com/finpost/backend/internal/models"
)

// EventPublisher is the slice of the event bus the relay needs.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	State() (eventbus.State, string)
}

// OutboxRelay forwards committed postings to the event bus, at least
// once. It never runs in the request path: publication failure slows the
// relay down, never the posting that produced the event.
type OutboxRelay struct {
	db  *sql.DB
	bus EventPublisher
	cfg *config.RelayConfig
}

func NewOutboxRelay(db *sql.DB, bus EventPublisher, cfg *config.RelayConfig) *OutboxRelay {
	return &OutboxRelay{db: db, bus: bus, cfg: cfg}
}

// Run drives the relay workers until ctx is cancelled. Each worker owns
// one partition-key shard; FOR UPDATE SKIP LOCKED additionally keeps a
// restarted process from racing rows still locked by its predecessor.
func (r *OutboxRelay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (r *OutboxRelay) loop(ctx context.Context, worker int) {
	log.Printf("[OUTBOX] Worker %d started", worker)
	for {
		published, err := r.RelayOnce(ctx, worker)

		wait := r.cfg.PollInterval
		switch {
		case err != nil:
			log.Printf("[OUTBOX] Worker %d pass failed: %v", worker, err)
			wait = r.cfg.DegradedBackoff
		case published == r.cfg.BatchSize:
			// Full batch: more rows are likely waiting.
			wait = 0
		}
		if state, reason := r.bus.State(); state == eventbus.Degraded {
			log.Printf("[OUTBOX] Worker %d backing off, bus degraded: %s", worker, reason)
			wait = r.cfg.DegradedBackoff
		}

		select {
		case <-ctx.Done():
			log.Printf("[OUTBOX] Worker %d stopped", worker)
			return
		case <-time.After(wait):
		}
	}
}

// RelayOnce claims one batch of unpublished events for one shard,
// publishes them in creation order, and marks each row only after the
// broker acknowledged it. Rows are sharded by partition key, so every
// event of a key is published by the same worker and per-key order on
// the bus holds. A crash between acknowledgment and commit republishes
// the event on the next pass; consumers absorb that.
func (r *OutboxRelay) RelayOnce(ctx context.Context, shard int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin relay transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, posting_id, partition_key, payload
		FROM outbox_events
		WHERE published_at IS NULL
		  AND mod(abs(hashtext(partition_key)), $2) = $3
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.cfg.BatchSize, r.cfg.Workers, shard)
	if err != nil {
		return 0, fmt.Errorf("select pending events: %w", err)
	}

	events := []models.OutboxEvent{}
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.PostingID, &ev.PartitionKey, &ev.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending events: %w", err)
	}

	published := 0
	var publishErr error
	for _, ev := range events {
		if err := r.bus.Publish(ctx, ev.PartitionKey, ev.Payload); err != nil {
			// Keep the marks for everything already acknowledged; the
			// rest stays unpublished and is retried next pass.
			publishErr = fmt.Errorf("publish event %d (posting %d): %w", ev.ID, ev.PostingID, err)
			break
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET published_at = now()
			WHERE id = $1 AND published_at IS NULL`, ev.ID,
		); err != nil {
			publishErr = fmt.Errorf("mark event %d published: %w", ev.ID, err)
			break
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit relay pass: %w", err)
	}

	if published > 0 {
		log.Printf("[OUTBOX] Published %d event(s)", published)
	}
	return published, publishErr
}
