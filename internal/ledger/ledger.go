// Package ledger meters token usage against user credit balances and keeps
// the append-only usage history plus its rollup aggregates.
//
// The debit is the only operation here that needs cross-request mutual
// exclusion. It is a single conditional UPDATE at the database, never a
// read-then-write pair, because many requests for one user race
// concurrently.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/types"
)

// DefaultExchangeRate converts USD cost into credits.
const DefaultExchangeRate = 100.0

const defaultQueueSize = 256

// Config controls the ledger database and billing parameters.
type Config struct {
	// DSN is the sqlite path, or ":memory:" for tests.
	DSN string

	// ExchangeRate is credits per USD. Zero means DefaultExchangeRate.
	ExchangeRate float64

	// QueueSize bounds the async rollup queue. Zero means the default.
	QueueSize int
}

// Charge is the billing outcome of one metered attempt.
type Charge struct {
	CostUSD float64
	Credits int64

	// Billed is false when the user had insufficient credit; the response
	// is still served and the usage row keeps the unbilled flag.
	Billed bool
}

// Ledger owns the credit, usage and rollup tables.
type Ledger struct {
	db           *gorm.DB
	exchangeRate float64
	metrics      *metrics.Collector
	logger       *logrus.Logger

	rollups   chan UsageRecord
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open connects to the ledger database, migrates the schema and starts the
// rollup worker.
func Open(cfg Config, collector *metrics.Collector, logger *logrus.Logger) (*Ledger, error) {
	if cfg.ExchangeRate == 0 {
		cfg.ExchangeRate = DefaultExchangeRate
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// sqlite allows one writer, and every pooled connection to :memory:
	// would be its own database. A single connection serves both cases.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access ledger connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&CreditAccount{}, &UsageRecord{}, &UsageRollup{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}

	l := &Ledger{
		db:           db,
		exchangeRate: cfg.ExchangeRate,
		metrics:      collector,
		logger:       logger,
		rollups:      make(chan UsageRecord, cfg.QueueSize),
	}

	l.wg.Add(1)
	go l.rollupWorker()

	return l, nil
}

// Close drains the rollup queue and shuts down the worker. Safe to call
// more than once.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.rollups)
		l.wg.Wait()

		sqlDB, dbErr := l.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// Cost prices token usage against a model's per-token rates.
func (l *Ledger) Cost(model types.ModelDescriptor, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*model.CostPerInputToken +
		float64(outputTokens)*model.CostPerOutputToken
}

// Credits converts a USD cost into whole credits, rounding up so fractional
// consumption is never free.
func (l *Ledger) Credits(costUSD float64) int64 {
	if costUSD <= 0 {
		return 0
	}
	return int64(math.Ceil(costUSD * l.exchangeRate))
}

// Debit atomically subtracts credits from a user's balance. The conditional
// UPDATE is the enforcement point: when it matches no row the balance was
// insufficient (or the account does not exist) and ErrInsufficientCredit is
// returned. The balance can never go negative through this path.
func (l *Ledger) Debit(ctx context.Context, userID string, credits int64) error {
	if credits <= 0 {
		return nil
	}

	res := l.db.WithContext(ctx).Model(&CreditAccount{}).
		Where("user_id = ? AND credit_balance >= ?", userID, credits).
		Updates(map[string]interface{}{
			"credit_balance": gorm.Expr("credit_balance - ?", credits),
			"total_spent":    gorm.Expr("total_spent + ?", credits),
		})
	if res.Error != nil {
		l.metrics.ObserveDebit("error")
		return fmt.Errorf("failed to debit %d credits for user %s: %w", credits, userID, res.Error)
	}
	if res.RowsAffected == 0 {
		l.metrics.ObserveDebit("insufficient")
		return types.ErrInsufficientCredit
	}

	l.metrics.ObserveDebit("ok")
	return nil
}

// CreditUser adds credits to a user's balance, creating the account on
// first sight.
func (l *Ledger) CreditUser(ctx context.Context, userID string, credits int64) error {
	if credits <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", credits)
	}

	account := CreditAccount{
		UserID:        userID,
		CreditBalance: credits,
		TotalEarned:   credits,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"credit_balance": gorm.Expr("credit_balance + ?", credits),
			"total_earned":   gorm.Expr("total_earned + ?", credits),
		}),
	}).Create(&account).Error
	if err != nil {
		return fmt.Errorf("failed to credit user %s: %w", userID, err)
	}
	return nil
}

// Balance returns the user's current credit balance. Unknown users have a
// zero balance rather than an error.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var account CreditAccount
	err := l.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for user %s: %w", userID, err)
	}
	return account.CreditBalance, nil
}

// MeterSuccess bills a completed generation: price it, debit the balance,
// append the usage row and enqueue the rollup. Insufficient credit is not
// an error here; the generation already happened and must still be served,
// flagged unbilled for reconciliation.
func (l *Ledger) MeterSuccess(ctx context.Context, userID, requestID string, model types.ModelDescriptor, gen *types.Generation, latencyMs int64) (Charge, error) {
	charge := Charge{
		CostUSD: l.Cost(model, gen.InputTokens, gen.OutputTokens),
	}
	charge.Credits = l.Credits(charge.CostUSD)

	charge.Billed = true
	if err := l.Debit(ctx, userID, charge.Credits); err != nil {
		charge.Billed = false
		if !errors.Is(err, types.ErrInsufficientCredit) {
			l.logger.WithError(err).WithField("user_id", userID).Error("Debit failed, serving response unbilled")
		} else {
			l.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"credits": charge.Credits,
			}).Warn("Insufficient credit, serving response unbilled")
		}
	}

	record := UsageRecord{
		RequestID:      requestID,
		UserID:         userID,
		Provider:       model.Provider,
		Model:          model.ID,
		InputTokens:    gen.InputTokens,
		OutputTokens:   gen.OutputTokens,
		CostUSD:        charge.CostUSD,
		CreditsCharged: charge.Credits,
		LatencyMs:      latencyMs,
		Success:        true,
		Billed:         charge.Billed,
	}
	if err := l.RecordAttempt(ctx, &record); err != nil {
		return charge, err
	}

	l.metrics.ObserveUsage(model.Provider, model.ID, gen.InputTokens, gen.OutputTokens, charge.CostUSD)
	return charge, nil
}

// MeterFailure records a failed attempt. Tokens a provider reports as
// consumed before the failure (a timeout after partial generation) are
// still billed; attempts that consumed nothing are charged nothing.
func (l *Ledger) MeterFailure(ctx context.Context, userID, requestID string, model types.ModelDescriptor, partial *types.Generation, errMsg string, latencyMs int64) error {
	record := UsageRecord{
		RequestID:    requestID,
		UserID:       userID,
		Provider:     model.Provider,
		Model:        model.ID,
		LatencyMs:    latencyMs,
		Success:      false,
		ErrorMessage: errMsg,
	}

	if partial != nil && (partial.InputTokens > 0 || partial.OutputTokens > 0) {
		record.InputTokens = partial.InputTokens
		record.OutputTokens = partial.OutputTokens
		record.CostUSD = l.Cost(model, partial.InputTokens, partial.OutputTokens)
		record.CreditsCharged = l.Credits(record.CostUSD)

		record.Billed = true
		if err := l.Debit(ctx, userID, record.CreditsCharged); err != nil {
			record.Billed = false
		}
		l.metrics.ObserveUsage(model.Provider, model.ID, partial.InputTokens, partial.OutputTokens, record.CostUSD)
	}

	return l.RecordAttempt(ctx, &record)
}

// RecordAttempt appends a usage row and queues its rollup update. A full
// rollup queue drops the update with a warning rather than blocking the
// request path; the usage row itself is never dropped.
func (l *Ledger) RecordAttempt(ctx context.Context, record *UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	select {
	case l.rollups <- *record:
	default:
		l.logger.WithField("request_id", record.RequestID).Warn("Rollup queue full, dropping aggregate update")
	}
	return nil
}

// Rollup reads one aggregate row.
func (l *Ledger) Rollup(ctx context.Context, day, provider, model string) (*UsageRollup, error) {
	var rollup UsageRollup
	err := l.db.WithContext(ctx).
		First(&rollup, "day = ? AND provider = ? AND model = ?", day, provider, model).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read rollup %s/%s/%s: %w", day, provider, model, err)
	}
	return &rollup, nil
}

func (l *Ledger) rollupWorker() {
	defer l.wg.Done()
	for record := range l.rollups {
		if err := l.applyRollup(record); err != nil {
			l.logger.WithError(err).Warn("Rollup update failed")
		}
	}
}

// applyRollup upserts the aggregate row for one usage record. The rolling
// average uses the pre-increment request count; SET expressions evaluate
// against the old row, so avg must be assigned alongside the increment.
func (l *Ledger) applyRollup(record UsageRecord) error {
	day := record.CreatedAt.UTC().Format("2006-01-02")

	successes := int64(0)
	if record.Success {
		successes = 1
	}

	rollup := UsageRollup{
		Day:          day,
		Provider:     record.Provider,
		Model:        record.Model,
		Requests:     1,
		Successes:    successes,
		InputTokens:  int64(record.InputTokens),
		OutputTokens: int64(record.OutputTokens),
		CostUSD:      record.CostUSD,
		Credits:      record.CreditsCharged,
		AvgLatencyMs: float64(record.LatencyMs),
	}

	return l.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "provider"}, {Name: "model"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"avg_latency_ms": gorm.Expr("(avg_latency_ms * requests + ?) / (requests + 1)", record.LatencyMs),
			"requests":       gorm.Expr("requests + 1"),
			"successes":      gorm.Expr("successes + ?", successes),
			"input_tokens":   gorm.Expr("input_tokens + ?", record.InputTokens),
			"output_tokens":  gorm.Expr("output_tokens + ?", record.OutputTokens),
			"cost_usd":       gorm.Expr("cost_usd + ?", record.CostUSD),
			"credits":        gorm.Expr("credits + ?", record.CreditsCharged),
			"updated_at":     time.Now().UTC(),
		}),
	}).Create(&rollup).Error
}
