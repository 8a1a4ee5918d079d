package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestLoadActiveTargets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	lastRun := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "client_id", "name", "url", "rules", "poll_interval_seconds",
		"active", "last_run", "last_status", "failure_count", "success_rate",
	}).AddRow(
		"tgt-1", "client-1", "widget", "https://shop.example.com/widget",
		[]byte(`{"price":{"selector":".price","type":"price","required":true}}`),
		int64(300), true, &lastRun, monitor.TargetStatusOK, 0, 42.5,
	)

	mock.ExpectQuery("SELECT id, client_id, name, url, rules").
		WillReturnRows(rows)

	targets, err := store.LoadActiveTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)

	tgt := targets[0]
	require.Equal(t, "tgt-1", tgt.ID)
	require.Equal(t, 5*time.Minute, tgt.PollInterval)
	require.Equal(t, lastRun, tgt.LastRun)
	require.Equal(t, monitor.RulePrice, tgt.Rules["price"].Type)
	require.True(t, tgt.Rules["price"].Required)
	require.InDelta(t, 42.5, tgt.SuccessRate, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutTargetUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	target := monitor.Target{
		ID:       "tgt-1",
		ClientID: "client-1",
		Name:     "widget",
		URL:      "https://shop.example.com/widget",
		Rules: map[string]monitor.Rule{
			"price": {Selector: ".price", Type: monitor.RulePrice, Required: true},
		},
		PollInterval: 5 * time.Minute,
		Active:       true,
	}

	mock.ExpectExec("INSERT INTO targets").
		WithArgs(
			target.ID,
			target.ClientID,
			target.Name,
			target.URL,
			[]byte(`{"price":{"selector":".price","type":"price","required":true}}`),
			int64(300),
			true,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutTarget(context.Background(), target))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutTargetRejectsInvalid(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	bad := monitor.Target{ID: "tgt-1", URL: "ftp://nope", PollInterval: 5 * time.Minute}

	require.Error(t, store.PutTarget(context.Background(), bad))
	require.NoError(t, mock.ExpectationsWereMet(), "invalid targets never reach the database")
}

func TestSetActiveUnknownTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE targets SET active").
		WithArgs(false, "tgt-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetActive(context.Background(), "tgt-missing", false)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListChangeEvents(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	occurredAt := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "target_id", "prev_snapshot_id", "new_snapshot_id", "field", "kind", "magnitude", "occurred_at",
	}).AddRow(
		"evt-1", "tgt-1", "snap-1", "snap-2", "price",
		monitor.ChangePriceDecrease, 0.10, occurredAt,
	)

	mock.ExpectQuery("SELECT id, target_id, prev_snapshot_id").
		WithArgs("tgt-1", 50, 0).
		WillReturnRows(rows)

	events, err := store.ListChangeEvents(context.Background(), "tgt-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, monitor.ChangePriceDecrease, events[0].Kind)
	require.InDelta(t, 0.10, events[0].Magnitude, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSnapshotInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	capturedAt := time.Unix(1700000000, 0).UTC()

	snap := monitor.Snapshot{
		ID:         "snap-1",
		TargetID:   "tgt-1",
		CapturedAt: capturedAt,
		Fields: monitor.Fields{
			"price": {Kind: monitor.RulePrice, Price: 19.99, Currency: "USD"},
		},
		Checksum:   "abc123",
		ContentURI: "mem://tgt-1/snap-1",
		StatusCode: 200,
		Duration:   1500 * time.Millisecond,
	}

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(
			snap.ID,
			snap.TargetID,
			snap.CapturedAt,
			[]byte(`{"price":{"kind":"price","price":19.99,"currency":"USD"}}`),
			snap.Checksum,
			snap.ContentURI,
			snap.StatusCode,
			int64(1500),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshotNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, target_id, captured_at").
		WithArgs("tgt-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.LatestSnapshot(context.Background(), "tgt-1")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshotDecodesFields(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	capturedAt := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "target_id", "captured_at", "fields", "checksum", "content_uri", "status_code", "duration_ms",
	}).AddRow(
		"snap-1", "tgt-1", capturedAt,
		[]byte(`{"stock":{"kind":"availability","available":true}}`),
		"abc123", "gs://bucket/tgt-1/snap-1", 200, int64(900),
	)

	mock.ExpectQuery("SELECT id, target_id, captured_at").
		WithArgs("tgt-1").
		WillReturnRows(rows)

	snap, err := store.LatestSnapshot(context.Background(), "tgt-1")
	require.NoError(t, err)
	require.Equal(t, "snap-1", snap.ID)
	require.True(t, snap.Fields["stock"].Available)
	require.Equal(t, 900*time.Millisecond, snap.Duration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveChangeEventInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	occurredAt := time.Unix(1700000000, 0).UTC()

	event := monitor.ChangeEvent{
		ID:             "evt-1",
		TargetID:       "tgt-1",
		PrevSnapshotID: "snap-1",
		NewSnapshotID:  "snap-2",
		Field:          "price",
		Kind:           monitor.ChangePriceDecrease,
		Magnitude:      0.10,
		OccurredAt:     occurredAt,
	}

	mock.ExpectExec("INSERT INTO change_events").
		WithArgs(
			event.ID,
			event.TargetID,
			event.PrevSnapshotID,
			event.NewSnapshotID,
			event.Field,
			event.Kind,
			event.Magnitude,
			event.OccurredAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveChangeEvent(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetRunState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE targets").
		WithArgs("ok", 0, &at, "tgt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateTargetRunState(context.Background(), "tgt-1", monitor.TargetStatusOK, at, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetRunStateDeferredKeepsLastRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	var nilTime *time.Time
	mock.ExpectExec("UPDATE targets").
		WithArgs("deferred", 0, nilTime, "tgt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateTargetRunState(context.Background(), "tgt-1", monitor.TargetStatusDeferred, time.Time{}, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetRunStateUnknownTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE targets").
		WithArgs("failed", 2, &at, "tgt-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTargetRunState(context.Background(), "tgt-missing", monitor.TargetStatusFailed, at, 2)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
