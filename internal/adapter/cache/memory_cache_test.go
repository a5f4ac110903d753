package cache

import (
	"context"
	"testing"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketClaimIsInsertIfAbsent(t *testing.T) {
	s := NewMemoryTicketStore()
	ctx := context.Background()

	first, created, err := s.Claim(ctx, domain.Ticket{RequestID: "req-1", ExternalID: "APPR-1"})
	require.NoError(t, err)
	assert.True(t, created)

	got, created, err := s.Claim(ctx, domain.Ticket{RequestID: "req-1", ExternalID: "APPR-2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, got)

	assert.ErrorIs(t, s.Update(ctx, domain.Ticket{RequestID: "req-2"}), domain.ErrNotFound)
	_, err = s.Get(ctx, "req-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutionSaveComparesVersion(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, domain.ExecutionContext{RequestID: "req-1", State: domain.StateStart, Version: 1}))
	assert.ErrorIs(t, s.Create(ctx, domain.ExecutionContext{RequestID: "req-1", Version: 1}), domain.ErrExecutionExists)

	a, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	b := a

	a.State = domain.StateCreateOrGetTicket
	require.NoError(t, s.Save(ctx, &a))
	assert.Equal(t, int64(2), a.Version)

	b.State = domain.StateFailed
	assert.ErrorIs(t, s.Save(ctx, &b), domain.ErrVersionConflict)

	stored, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreateOrGetTicket, stored.State)
}

func TestExecutionFinishMovesToOutcome(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()
	e := domain.ExecutionContext{RequestID: "req-1", State: domain.StateReported, Decision: domain.DecisionAccepted, Version: 1}
	require.NoError(t, s.Create(ctx, e))

	stale := e
	stale.Version = 0
	assert.ErrorIs(t, s.Finish(ctx, stale, domain.OutcomeOf(stale, time.Now())), domain.ErrVersionConflict)

	require.NoError(t, s.Finish(ctx, e, domain.OutcomeOf(e, time.Now())))
	assert.ErrorIs(t, s.Finish(ctx, e, domain.OutcomeOf(e, time.Now())), domain.ErrVersionConflict, "second finish loses")

	_, err := s.Get(ctx, "req-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	o, err := s.Outcome(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "Reported-Accepted", o.Label())
	assert.ErrorIs(t, s.Create(ctx, e), domain.ErrExecutionExists)

	live, err := s.ListLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestListLiveOrderedByCreation(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"req-c", "req-a", "req-b"} {
		require.NoError(t, s.Create(ctx, domain.ExecutionContext{RequestID: id, Version: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	live, err := s.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 3)
	assert.Equal(t, "req-c", live[0].RequestID)
	assert.Equal(t, "req-b", live[2].RequestID)
}

func TestReportLedger(t *testing.T) {
	l := NewMemoryReportLedger()
	ctx := context.Background()

	claimed, err := l.ClaimReport(ctx, "req-1", domain.DecisionRejected)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = l.ClaimReport(ctx, "req-1", domain.DecisionRejected)
	require.NoError(t, err)
	assert.False(t, claimed)

	done, _ := l.ReportCompleted(ctx, "req-1")
	assert.False(t, done)
	require.NoError(t, l.CompleteReport(ctx, "req-1"))
	done, _ = l.ReportCompleted(ctx, "req-1")
	assert.True(t, done)

	assert.ErrorIs(t, l.CompleteReport(ctx, "req-2"), domain.ErrNotFound)
}
