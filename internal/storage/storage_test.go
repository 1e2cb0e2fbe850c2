package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atsume/internal/ledger"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/storage"
	"github.com/ashita-ai/atsume/internal/testutil"
	"github.com/ashita-ai/atsume/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping storage tests: %v\n", err)
		os.Exit(0)
	}

	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func fundedAccount(t *testing.T, available int64) uuid.UUID {
	t.Helper()
	acct := uuid.New()
	require.NoError(t, testDB.Credits().TopUp(context.Background(), acct, available))
	return acct
}

// reservationRow reads a reservation's state straight from the table.
func reservationRow(t *testing.T, id model.ReservationID) (state model.ReservationState, finalized *time.Time, found bool) {
	t.Helper()
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT state, finalized_at FROM credit_reservations WHERE id = $1`, id,
	).Scan(&state, &finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, false
	}
	require.NoError(t, err)
	return state, finalized, true
}

func TestCredits_ReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 100)

	before, err := credits.Balance(ctx, acct)
	require.NoError(t, err)

	id, err := credits.Reserve(ctx, acct, 30, "")
	require.NoError(t, err)
	mid, err := credits.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(70), mid.Available)
	assert.Equal(t, int64(30), mid.Reserved)

	require.NoError(t, credits.Release(ctx, id))
	after, err := credits.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	state, finalized, ok := reservationRow(t, id)
	require.True(t, ok)
	assert.Equal(t, model.ReservationReleased, state)
	assert.NotNil(t, finalized)
}

func TestCredits_SettleConservation(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 100)

	id, err := credits.Reserve(ctx, acct, 40, "")
	require.NoError(t, err)

	assert.ErrorIs(t, credits.Settle(ctx, id, 41), ledger.ErrCostExceedsReservation)
	require.NoError(t, credits.Settle(ctx, id, 25))

	b, err := credits.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(75), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(25), b.Spent)
	assert.Equal(t, int64(100), b.Total())

	assert.ErrorIs(t, credits.Settle(ctx, id, 25), ledger.ErrUnknownReservation)
	assert.ErrorIs(t, credits.Release(ctx, id), ledger.ErrUnknownReservation)
	assert.ErrorIs(t, credits.Release(ctx, uuid.New()), ledger.ErrUnknownReservation)
}

func TestCredits_Errors(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 5)

	_, err := credits.Reserve(ctx, acct, 6, "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	_, err = credits.Reserve(ctx, uuid.New(), 1, "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = credits.Reserve(ctx, acct, 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = credits.Balance(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestCredits_Idempotent(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 10)
	key := uuid.NewString() + "/bluesky"

	first, err := credits.Reserve(ctx, acct, 3, key)
	require.NoError(t, err)
	again, err := credits.Reserve(ctx, acct, 3, key)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	b, err := credits.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Reserved)

	_, err = credits.Reserve(ctx, acct, 4, key)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyMismatch)
}

func TestCredits_ConcurrentReservationsSingleWinner(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 10)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := credits.Reserve(ctx, acct, 10, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range errs {
		assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	}
	b, err := credits.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(10), b.Reserved)
}

func TestCredits_PruneFinalizedReservations(t *testing.T) {
	ctx := context.Background()
	credits := testDB.Credits()
	acct := fundedAccount(t, 10)

	held, err := credits.Reserve(ctx, acct, 2, "")
	require.NoError(t, err)
	done, err := credits.Reserve(ctx, acct, 2, "")
	require.NoError(t, err)
	require.NoError(t, credits.Release(ctx, done))

	n, err := credits.PruneFinalizedReservations(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, _, ok := reservationRow(t, done)
	assert.False(t, ok)
	_, _, ok = reservationRow(t, held)
	assert.True(t, ok)
}

func TestRuns_CreateSaveGet(t *testing.T) {
	ctx := context.Background()
	runs := testDB.Runs()
	now := time.Now().UTC().Truncate(time.Microsecond)

	run := model.CollectionRun{
		ID:              uuid.New(),
		QueryDesignID:   uuid.New(),
		AccountID:       uuid.New(),
		Trigger:         model.TriggerManual,
		Status:          model.RunStatusRunning,
		ReservedCredits: 3,
		CreatedAt:       now,
	}
	resID := uuid.New()
	task := model.CollectionTask{
		ID:            uuid.New(),
		RunID:         run.ID,
		PlatformName:  "rss_feeds",
		TaskName:      "atsume.arenas.rss_feeds.tasks.collect",
		Status:        model.TaskStatusQueued,
		Reservation:   &resID,
		ReservedCost:  3,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	require.NoError(t, runs.CreateRun(ctx, run, []model.CollectionTask{task}))

	task.Status = model.TaskStatusCompleted
	task.Cost = 2
	task.FinishedAt = &now
	task.Detail = map[string]any{"records": float64(12)}
	require.NoError(t, runs.SaveTask(ctx, task))

	run.Status = model.RunStatusCompleted
	run.SettledCredits = 2
	run.CompletedAt = &now
	require.NoError(t, runs.SaveRun(ctx, run))

	got, err := runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(2), got.SettledCredits)
	require.NotNil(t, got.CompletedAt)

	tasks, err := runs.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, int64(2), tasks[0].Cost)
	require.NotNil(t, tasks[0].Reservation)
	assert.Equal(t, resID, *tasks[0].Reservation)
	assert.Equal(t, float64(12), tasks[0].Detail["records"])

	listed, err := runs.ListRuns(ctx, run.QueryDesignID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, run.ID, listed[0].ID)

	_, err = runs.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueryDesigns_CreateGet(t *testing.T) {
	ctx := context.Background()
	designs := testDB.QueryDesigns()

	qd, err := designs.CreateQueryDesign(ctx, model.QueryDesign{
		AccountID: uuid.New(),
		Name:      "folketingsvalg",
		Arenas: []model.ArenaTarget{
			{PlatformName: "rss_feeds", Terms: []string{"valg"}},
			{PlatformName: "telegram", Terms: []string{"valg"}, Params: map[string]any{"channels": []any{"dr"}}},
		},
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, qd.ID)

	got, err := designs.GetQueryDesign(ctx, qd.ID)
	require.NoError(t, err)
	assert.Equal(t, "folketingsvalg", got.Name)
	require.Len(t, got.Arenas, 2)
	assert.Equal(t, "rss_feeds", got.Arenas[0].PlatformName)
	assert.Equal(t, []string{"valg"}, got.Arenas[1].Terms)
	assert.Equal(t, []any{"dr"}, got.Arenas[1].Params["channels"])

	_, err = designs.CreateQueryDesign(ctx, qd)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = designs.GetQueryDesign(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
