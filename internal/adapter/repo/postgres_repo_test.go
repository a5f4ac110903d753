package repo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to TEST_DATABASE_URL and skips when no database is reachable.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("connect test db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("ping test db: %v", err)
	}
	require.NoError(t, EnsureSchema(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresTicketClaim(t *testing.T) {
	pool := setupTestDB(t)
	s := NewPostgresTicketStore(pool)
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, created, err := s.Claim(ctx, domain.Ticket{RequestID: id, Status: domain.TicketOpen, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := s.Claim(ctx, domain.Ticket{RequestID: id, ExternalID: "APPR-2", Status: domain.TicketOpen, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, existing.Issued())

	existing.ExternalID = "APPR-1"
	existing.Status = domain.TicketApproved
	existing.Approver = "alice"
	require.NoError(t, s.Update(ctx, existing))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "APPR-1", got.ExternalID)
	assert.Equal(t, domain.TicketApproved, got.Status)

	assert.ErrorIs(t, s.Update(ctx, domain.Ticket{RequestID: uuid.NewString()}), domain.ErrNotFound)
}

func TestPostgresExecutionLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	s := NewPostgresExecutionStore(pool)
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := domain.ExecutionContext{RequestID: id, DomainID: "dzd-1", State: domain.StateStart, Version: 1, CreatedAt: now}

	require.NoError(t, s.Create(ctx, e))
	assert.ErrorIs(t, s.Create(ctx, e), domain.ErrExecutionExists)

	stale := e
	e.State = domain.StateCreateOrGetTicket
	require.NoError(t, s.Save(ctx, &e))
	assert.Equal(t, int64(2), e.Version)
	assert.ErrorIs(t, s.Save(ctx, &stale), domain.ErrVersionConflict)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreateOrGetTicket, got.State)

	e.State = domain.StateReported
	e.Decision = domain.DecisionAccepted
	require.NoError(t, s.Finish(ctx, e, domain.OutcomeOf(e, now)))
	assert.ErrorIs(t, s.Finish(ctx, e, domain.OutcomeOf(e, now)), domain.ErrVersionConflict)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	o, err := s.Outcome(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Reported-Accepted", o.Label())
	assert.ErrorIs(t, s.Create(ctx, e), domain.ErrExecutionExists)

	assert.ErrorIs(t, s.Save(ctx, &domain.ExecutionContext{RequestID: uuid.NewString(), Version: 1}), domain.ErrNotFound)
}

func TestPostgresReportLedger(t *testing.T) {
	pool := setupTestDB(t)
	l := NewPostgresReportLedger(pool)
	ctx := context.Background()
	id := uuid.NewString()

	claimed, err := l.ClaimReport(ctx, id, domain.DecisionAccepted)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = l.ClaimReport(ctx, id, domain.DecisionAccepted)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, l.CompleteReport(ctx, id))
	done, err := l.ReportCompleted(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAdvisoryGateSerializes(t *testing.T) {
	pool := setupTestDB(t)
	g := &AdvisoryGate{Pool: pool, Key: time.Now().UnixNano()}

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
