package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"referral-engine/internal/attribution"
	"referral-engine/internal/commission"
	"referral-engine/internal/config"
	"referral-engine/internal/conversion"
	"referral-engine/internal/database"
	"referral-engine/internal/domain"
	"referral-engine/internal/repository"
	"referral-engine/internal/repository/postgres"
	"referral-engine/internal/tracking"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupStorage(t *testing.T) *postgres.PostgresStorage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()
	log := zap.NewNop()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		tcpostgres.WithDatabase("referrals"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(dsn, "../../../migrations", log))

	db, err := database.Open(dsn, &config.Database{MaxOpenConns: 20, ConnMaxLifetime: "1h"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db, log) })
	require.NoError(t, database.SeedData(db, log))

	store := postgres.New(db, log)
	require.NoError(t, store.SavePartner(ctx, &domain.Partner{
		ID: "0190a4c2-0000-7000-8000-000000000001", ReferralCode: "PARTNER1", Name: "Partner One", Tier: "gold", Status: domain.PartnerStatusActive,
	}))
	return store
}

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newIngestor(store repository.Storage) *tracking.Ingestor {
	filter := tracking.NewDedupBotFilter(0, tracking.UserAgentSubstrings{"bot"})
	return tracking.NewIngestor(store, store, filter, nil, tracking.Config{
		DedupWindow: 24 * time.Hour,
		MaxBackdate: 365 * 24 * time.Hour,
	}, nil, zap.NewNop())
}

func TestPostgres_ConcurrentDuplicateClicks(t *testing.T) {
	store := setupStorage(t)
	ing := newIngestor(store)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ing.Ingest(ctx, domain.RawClickInput{
				ReferralCode: "PARTNER1", FingerprintToken: "fp1", UserAgent: chromeUA, ClickedAt: at,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	clicks, err := store.FindClicks(ctx, repository.ClickQuery{ReferralCode: "PARTNER1", Limit: 100})
	require.NoError(t, err)
	require.Len(t, clicks, n)

	originals := 0
	for _, c := range clicks {
		if !c.IsDuplicate {
			originals++
			assert.EqualValues(t, n, c.ClickCount)
		}
	}
	assert.Equal(t, 1, originals)
}

func TestPostgres_ConversionCapsAndIdempotency(t *testing.T) {
	store := setupStorage(t)
	ing := newIngestor(store)
	ctx := context.Background()
	log := zap.NewNop()

	capTotal := int64(5)
	require.NoError(t, store.CreatePolicy(ctx, &domain.CommissionPolicy{
		ID: "0190a4c2-0000-7000-8000-0000000000aa", PolicyCode: "launch", Name: "Launch", Status: domain.PolicyStatusActive,
		Priority: 10, CommissionType: domain.CommissionPercentage, CommissionRate: decimal.NewFromInt(20), MaxUsageTotal: &capTotal,
	}))
	err := store.CreatePolicy(ctx, &domain.CommissionPolicy{ID: "0190a4c2-0000-7000-8000-0000000000ab", PolicyCode: "launch", Name: "dup"})
	assert.ErrorIs(t, err, repository.ErrPolicyCodeExists)

	rec := conversion.NewRecorder(
		store,
		attribution.NewResolver(store, attribution.LastTouch{}, 30, log),
		commission.NewService(store, log),
		nil,
		conversion.Config{DefaultCurrency: "USD"},
		nil,
		log,
	)

	const n = 10
	clicks := make([]string, n)
	at := time.Now().UTC().Add(-time.Hour)
	for i := range clicks {
		res, err := ing.Ingest(ctx, domain.RawClickInput{
			ReferralCode: "PARTNER1", FingerprintToken: fmt.Sprintf("fp-%d", i), UserAgent: chromeUA, ClickedAt: at,
		})
		require.NoError(t, err)
		clicks[i] = res.Canonical.ID
	}

	var wg sync.WaitGroup
	codes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rec.Record(ctx, domain.OrderCompletedEvent{
				OrderID: fmt.Sprintf("order-%d", i), ReferralClickID: clicks[i], OrderAmount: decimal.NewFromInt(100), Currency: "USD",
			})
			if assert.NoError(t, err) && assert.Len(t, res.Event.Commissions, 1) {
				codes <- res.Event.Commissions[0].PolicyCode
			}
		}(i)
	}
	wg.Wait()
	close(codes)

	counts := map[string]int{}
	for c := range codes {
		counts[c]++
	}
	assert.Equal(t, 5, counts["launch"])
	assert.Equal(t, 5, counts["standard"])

	launch, err := store.GetPolicyByCode(ctx, "launch")
	require.NoError(t, err)
	assert.EqualValues(t, 5, launch.CurrentUsageCount)

	replay, err := rec.Record(ctx, domain.OrderCompletedEvent{
		OrderID: "order-0", ReferralClickID: clicks[0], OrderAmount: decimal.NewFromInt(100), Currency: "USD",
	})
	require.NoError(t, err)
	assert.False(t, replay.Created)

	click, err := store.GetClick(ctx, clicks[0])
	require.NoError(t, err)
	assert.True(t, click.HasConverted)
	require.NotNil(t, click.ConversionID)
	assert.Equal(t, replay.Event.ID, *click.ConversionID)

	confirmed, err := rec.Confirm(ctx, replay.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionConfirmed, confirmed.Status)
	_, err = rec.Confirm(ctx, replay.Event.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPostgres_AnonymizeClicks(t *testing.T) {
	store := setupStorage(t)
	ing := newIngestor(store)
	ctx := context.Background()
	now := time.Now().UTC()

	old, err := ing.Ingest(ctx, domain.RawClickInput{
		ReferralCode: "PARTNER1", FingerprintToken: "old", UserAgent: chromeUA, IPAddress: "203.0.113.9", ClickedAt: now.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)

	n, err := store.AnonymizeClicks(ctx, now.Add(-90*24*time.Hour), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := store.GetClick(ctx, old.Canonical.ID)
	require.NoError(t, err)
	assert.Empty(t, got.IPAddress)
	assert.NotNil(t, got.AnonymizedAt)
}

func TestPostgres_ReplayedClickAndEligibleCandidates(t *testing.T) {
	store := setupStorage(t)
	ing := newIngestor(store)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	in := domain.RawClickInput{
		ClickID: "0190a4c2-0000-7000-8000-0000000000c1", ReferralCode: "PARTNER1", SessionID: "s-1", UserAgent: chromeUA, ClickedAt: at,
	}
	first, err := ing.Ingest(ctx, in)
	require.NoError(t, err)
	again, err := ing.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.Recorded.ID, again.Recorded.ID)
	assert.EqualValues(t, 1, again.Canonical.ClickCount)

	for i := 0; i < 5; i++ {
		_, err := ing.Ingest(ctx, domain.RawClickInput{
			ReferralCode: "PARTNER1", SessionID: "s-1", FingerprintToken: fmt.Sprintf("dup-%d", i), UserAgent: chromeUA, ClickedAt: at.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
	}

	all, err := store.FindClicks(ctx, repository.ClickQuery{ReferralCode: "PARTNER1", SessionID: "s-1", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	eligible, err := store.FindClicks(ctx, repository.ClickQuery{
		ReferralCode: "PARTNER1", SessionID: "s-1", EligibleOnly: true, Since: at.Add(-time.Hour), Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, first.Recorded.ID, eligible[0].ID)
}
