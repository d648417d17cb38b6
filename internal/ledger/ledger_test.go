package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	l, err := Open(Config{DSN: ":memory:"}, metrics.NewCollector("ledgertest"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testModel() types.ModelDescriptor {
	return types.ModelDescriptor{
		ID:                 "gpt-mini",
		Provider:           "openai",
		Category:           types.CategoryChat,
		CostPerInputToken:  0.001,
		CostPerOutputToken: 0.002,
	}
}

func TestCostFormula(t *testing.T) {
	l := openTestLedger(t)

	cost := l.Cost(testModel(), 100, 50)

	assert.InDelta(t, 100*0.001+50*0.002, cost, 1e-9)
}

func TestCreditsRoundUp(t *testing.T) {
	l := openTestLedger(t)

	assert.Equal(t, int64(0), l.Credits(0))
	assert.Equal(t, int64(1), l.Credits(0.0001))
	assert.Equal(t, int64(25), l.Credits(0.25))
	assert.Equal(t, int64(26), l.Credits(0.251))
}

func TestCreditAndBalance(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	balance, err := l.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	require.NoError(t, l.CreditUser(ctx, "u1", 500))
	require.NoError(t, l.CreditUser(ctx, "u1", 250))

	balance, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)
}

func TestDebit_Insufficient(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreditUser(ctx, "u1", 100))

	err := l.Debit(ctx, "u1", 101)
	assert.ErrorIs(t, err, types.ErrInsufficientCredit)

	// The refused debit must not have touched the balance.
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	require.NoError(t, l.Debit(ctx, "u1", 100))
	balance, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDebit_UnknownUser(t *testing.T) {
	l := openTestLedger(t)

	err := l.Debit(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, types.ErrInsufficientCredit)
}

func TestConcurrentDebitsNeverGoNegative(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	const starting = 100
	const workers = 50
	require.NoError(t, l.CreditUser(ctx, "u1", starting))

	var wg sync.WaitGroup
	succeeded := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Debit(ctx, "u1", 7); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	wins := 0
	for range succeeded {
		wins++
	}

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.Equal(t, int64(starting-wins*7), balance)
	assert.Equal(t, starting/7, wins)
}

func TestMeterSuccess_DebitsAndRecords(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreditUser(ctx, "u1", 1000))

	gen := &types.Generation{Text: "hi", InputTokens: 100, OutputTokens: 50}
	charge, err := l.MeterSuccess(ctx, "u1", "req-1", testModel(), gen, 420)
	require.NoError(t, err)

	assert.True(t, charge.Billed)
	assert.InDelta(t, 0.2, charge.CostUSD, 1e-9)
	assert.Equal(t, int64(20), charge.Credits)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(980), balance)

	var record UsageRecord
	require.NoError(t, l.db.First(&record, "request_id = ?", "req-1").Error)
	assert.True(t, record.Success)
	assert.True(t, record.Billed)
	assert.Equal(t, 150, record.TotalTokens)
	assert.Equal(t, int64(420), record.LatencyMs)
}

func TestMeterSuccess_InsufficientCreditStillServes(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreditUser(ctx, "u1", 5))

	gen := &types.Generation{Text: "hi", InputTokens: 100, OutputTokens: 50}
	charge, err := l.MeterSuccess(ctx, "u1", "req-1", testModel(), gen, 420)
	require.NoError(t, err)

	assert.False(t, charge.Billed)

	// Balance untouched, usage row flagged for reconciliation.
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	var record UsageRecord
	require.NoError(t, l.db.First(&record, "request_id = ?", "req-1").Error)
	assert.True(t, record.Success)
	assert.False(t, record.Billed)
}

func TestMeterFailure_PartialTokensAreBilled(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreditUser(ctx, "u1", 1000))

	partial := &types.Generation{InputTokens: 100, OutputTokens: 10}
	require.NoError(t, l.MeterFailure(ctx, "u1", "req-1", testModel(), partial, "provider timeout", 10000))

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000-12), balance)

	var record UsageRecord
	require.NoError(t, l.db.First(&record, "request_id = ?", "req-1").Error)
	assert.False(t, record.Success)
	assert.True(t, record.Billed)
	assert.Equal(t, "provider timeout", record.ErrorMessage)
}

func TestMeterFailure_NoTokensChargesNothing(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreditUser(ctx, "u1", 1000))
	require.NoError(t, l.MeterFailure(ctx, "u1", "req-1", testModel(), nil, "rate limited", 120))

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	var record UsageRecord
	require.NoError(t, l.db.First(&record, "request_id = ?", "req-1").Error)
	assert.Equal(t, int64(0), record.CreditsCharged)
	assert.False(t, record.Billed)
}

func TestCreditsProperty_CeilingNeverUndercharges(t *testing.T) {
	l := openTestLedger(t)

	rapid.Check(t, func(t *rapid.T) {
		cost := rapid.Float64Range(0, 1000).Draw(t, "cost")
		credits := l.Credits(cost)

		require.GreaterOrEqual(t, credits, int64(0))
		if cost == 0 {
			require.Zero(t, credits)
			return
		}
		// Rounded up, but by less than one whole credit.
		require.GreaterOrEqual(t, float64(credits), cost*l.exchangeRate)
		require.Less(t, float64(credits), cost*l.exchangeRate+1)
	})
}

func TestRollup_IncrementalAverages(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	day := time.Now().UTC().Format("2006-01-02")
	records := []UsageRecord{
		{UserID: "u1", Provider: "openai", Model: "gpt-mini", InputTokens: 100, OutputTokens: 50, CostUSD: 0.2, CreditsCharged: 20, LatencyMs: 100, Success: true},
		{UserID: "u1", Provider: "openai", Model: "gpt-mini", InputTokens: 200, OutputTokens: 100, CostUSD: 0.4, CreditsCharged: 40, LatencyMs: 300, Success: true},
		{UserID: "u2", Provider: "openai", Model: "gpt-mini", LatencyMs: 200, Success: false},
	}
	for i := range records {
		require.NoError(t, l.RecordAttempt(ctx, &records[i]))
	}

	// The rollup worker applies updates asynchronously.
	require.Eventually(t, func() bool {
		rollup, err := l.Rollup(ctx, day, "openai", "gpt-mini")
		return err == nil && rollup.Requests == 3
	}, 2*time.Second, 10*time.Millisecond)

	rollup, err := l.Rollup(ctx, day, "openai", "gpt-mini")
	require.NoError(t, err)

	assert.Equal(t, int64(3), rollup.Requests)
	assert.Equal(t, int64(2), rollup.Successes)
	assert.Equal(t, int64(300), rollup.InputTokens)
	assert.Equal(t, int64(150), rollup.OutputTokens)
	assert.InDelta(t, 0.6, rollup.CostUSD, 1e-9)
	assert.Equal(t, int64(60), rollup.Credits)
	assert.InDelta(t, 200.0, rollup.AvgLatencyMs, 0.001)
}
