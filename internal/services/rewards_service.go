package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/finpost/backend/internal/config"
	"github.com/finpost/backend/internal/database"
	"github.com/finpost/backend/internal/models"
)

// accrualRate is the points earned per unit of posted amount.
var accrualRate = decimal.RequireFromString("0.01")

// messageConsumer is the slice of *kafka.Reader the projector needs.
type messageConsumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RewardsService derives the points ledger from posting events. Delivery
// is at least once and ordered only per user; the unique key on
// posting_ref is what keeps duplicates and rebalance redelivery from
// double-crediting.
type RewardsService struct {
	db    *sql.DB
	cache *database.Cache
	cfg   *config.RewardsConfig
}

func NewRewardsService(db *sql.DB, cache *database.Cache, cfg *config.RewardsConfig) *RewardsService {
	return &RewardsService{
		db:    db,
		cache: cache,
		cfg:   cfg,
	}
}

// Consume processes posting events until ctx is cancelled. An offset is
// committed only after its event has been applied, so a crash in between
// redelivers the event instead of losing it.
func (s *RewardsService) Consume(ctx context.Context, reader messageConsumer) error {
	log.Println("[REWARDS] Consuming from postings")
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		// Retry until the store accepts the event; projection must
		// eventually converge given unlimited retries.
		for {
			if err := s.Apply(ctx, string(m.Key), m.Value); err == nil {
				break
			} else {
				log.Printf("[REWARDS] Apply failed, retrying: %v", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[REWARDS] Offset commit failed (event already applied, dedup will absorb redelivery): %v", err)
		}
	}
}

// Apply credits the accrual for one posting event. Duplicate deliveries
// hit the unique key on posting_ref and are dropped as no-ops; a nil
// return therefore means "applied or already applied".
func (s *RewardsService) Apply(ctx context.Context, key string, value []byte) error {
	var ev models.PostingEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		// Malformed payloads never become valid; skip instead of
		// wedging the partition.
		log.Printf("[REWARDS] Dropping malformed event: %v", err)
		return nil
	}

	userID := s.resolveUser(key, &ev)
	ref := ev.Ref
	if ref == "" {
		// Deterministic fallback so idempotency holds without a ref.
		ref = fmt.Sprintf("posting:%d", ev.PostingID)
	}

	points := ev.Amount.Mul(accrualRate).RoundBank(4)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_accruals (user_id, points, posting_ref)
		VALUES ($1, $2, $3)`,
		userID, points, ref,
	)
	if isUniqueViolation(err) {
		log.Printf("[REWARDS] Duplicate delivery ref=%s, already accrued", ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert accrual ref=%s: %w", ref, err)
	}

	// Skip invalidation while degraded; the TTL bounds how stale a
	// cached balance can get once the cache comes back.
	if state, _ := s.cache.State(); state == database.CacheConnected {
		s.cache.Del(ctx, balanceCacheKey(userID))
	}
	log.Printf("[REWARDS] Accrued %s points for user=%s ref=%s", points.StringFixed(4), userID, ref)
	return nil
}

// resolveUser picks the accrual owner: the message key, or the signup ref
// convention when the key is missing.
func (s *RewardsService) resolveUser(key string, ev *models.PostingEvent) string {
	if key != "" {
		return key
	}
	if strings.HasPrefix(ev.Ref, "signup-") {
		return strings.TrimPrefix(ev.Ref, "signup-")
	}
	return "unknown"
}

// PointsBalance aggregates a user's points over accruals, fronted by the
// cache. A degraded cache falls through to the store.
func (s *RewardsService) PointsBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	cacheKey := balanceCacheKey(userID)
	if state, _ := s.cache.State(); state == database.CacheConnected {
		if cached, ok := s.cache.Get(ctx, cacheKey); ok {
			if balance, err := decimal.NewFromString(cached); err == nil {
				return balance, nil
			}
		}
	}

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points), 0)
		FROM reward_accruals
		WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}

	s.cache.Set(ctx, cacheKey, balance.String(), s.cfg.CacheTTL)
	return balance, nil
}

func balanceCacheKey(userID string) string {
	return "rewards:balance:" + userID
}

// HandleBalanceEnquiry handles GET /v1/rewards/balance-enquiry.
func (s *RewardsService) HandleBalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		SendErrorResponse(w, "userId is required", http.StatusBadRequest, nil)
		return
	}

	balance, err := s.PointsBalance(r.Context(), userID)
	if err != nil {
		log.Printf("[REWARDS] Balance enquiry failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch points balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"responseCode": "00",
		"userId":       userID,
		"points":       balance.StringFixed(4),
		"status":       "SUCCESS",
	})
}
