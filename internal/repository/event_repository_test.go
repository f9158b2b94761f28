package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"trademind/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

func TestInsertEventsBatchesStatements(t *testing.T) {
	batchResults := &stubBatchResults{}
	pool := &stubPool{batchResults: batchResults}
	repo := NewEventRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	events := []domain.TradingEvent{
		{UserID: "u1", Timestamp: time.Unix(0, 0), Action: domain.ActionBuy, Symbol: "AAPL", Quantity: 5, Price: 100, OrderType: domain.OrderLimit},
		{UserID: "u1", Timestamp: time.Unix(3600, 0), Action: domain.ActionSell, Symbol: "AAPL", Quantity: 5, Price: 110, OrderType: domain.OrderMarket},
	}
	n, err := repo.InsertEvents(context.Background(), events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d inserted, got %d", len(events), n)
	}
	if pool.queuedBatch == nil || pool.queuedBatch.Len() != len(events) {
		t.Fatalf("expected batch of size %d", len(events))
	}
	if batchResults.execCalls != len(events) {
		t.Fatalf("expected %d Exec calls, got %d", len(events), batchResults.execCalls)
	}
}

func TestInsertEventsEmpty(t *testing.T) {
	pool := &stubPool{}
	repo := NewEventRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	n, err := repo.InsertEvents(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
	if pool.queuedBatch != nil {
		t.Fatal("empty insert must not send a batch")
	}
}

func TestListEventsScansRows(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	pool := &stubPool{rowsData: [][]any{{
		int64(1), "u1", ts, "buy", "AAPL", 5.0, 100.0, "limit",
		2500.0, 900.0, 50000.0, 0.3, -0.1,
	}}}
	repo := NewEventRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	events, err := repo.ListEvents(context.Background(), "u1", ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID != 1 || ev.UserID != "u1" || ev.Action != domain.ActionBuy || ev.OrderType != domain.OrderLimit {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestListUserIDs(t *testing.T) {
	pool := &stubPool{rowsData: [][]any{{"u1"}, {"u2"}}}
	repo := NewEventRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	users, err := repo.ListUserIDs(context.Background(), time.Unix(0, 0), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("unexpected users: %v", users)
	}
}

func TestPruneBefore(t *testing.T) {
	pool := &stubPool{execTag: pgconn.NewCommandTag("DELETE 42")}
	repo := NewEventRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	n, err := repo.PruneBefore(context.Background(), time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 pruned, got %d", n)
	}
}

type stubPool struct {
	batchResults pgx.BatchResults
	queuedBatch  *pgx.Batch
	rowsData     [][]any
	execTag      pgconn.CommandTag
	execErr      error
	rowData      []any
	rowErr       error
	tx           pgx.Tx
	lastSQL      string
	lastArgs     []any
}

func (s *stubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.lastSQL = sql
	s.lastArgs = args
	return s.execTag, s.execErr
}

func (s *stubPool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	s.queuedBatch = b
	if s.batchResults != nil {
		return s.batchResults
	}
	return &stubBatchResults{}
}

func (s *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.lastSQL = sql
	s.lastArgs = args
	if s.rowsData == nil {
		return &stubRows{}, nil
	}
	dataCopy := make([][]any, len(s.rowsData))
	for i := range s.rowsData {
		row := make([]any, len(s.rowsData[i]))
		copy(row, s.rowsData[i])
		dataCopy[i] = row
	}
	return &stubRows{data: dataCopy}, nil
}

func (s *stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.lastSQL = sql
	s.lastArgs = args
	return &stubRow{data: s.rowData, err: s.rowErr}
}

func (s *stubPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.tx, nil
}

type stubBatchResults struct {
	execCalls int
	execErr   error
}

func (s *stubBatchResults) Exec() (pgconn.CommandTag, error) {
	s.execCalls++
	return pgconn.CommandTag{}, s.execErr
}

func (s *stubBatchResults) Query() (pgx.Rows, error) { return &stubRows{}, nil }

func (s *stubBatchResults) QueryRow() pgx.Row { return &stubRow{} }

func (s *stubBatchResults) Close() error { return nil }

type stubRows struct {
	data [][]any
	idx  int
}

func (r *stubRows) Close() {}

func (r *stubRows) Err() error { return nil }

func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *stubRows) Next() bool {
	if len(r.data) == 0 || r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("invalid scan index")
	}
	return assignRow(r.data[r.idx-1], dest)
}

func (r *stubRows) Values() ([]any, error) { return nil, nil }

func (r *stubRows) RawValues() [][]byte { return nil }

func (r *stubRows) Conn() *pgx.Conn { return nil }

type stubRow struct {
	data []any
	err  error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.data == nil {
		return nil
	}
	return assignRow(r.data, dest)
}

func assignRow(row []any, dest []any) error {
	if len(row) != len(dest) {
		return fmt.Errorf("row has %d columns, scan wants %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = row[i].(string)
		case *time.Time:
			*ptr = row[i].(time.Time)
		case *float64:
			*ptr = row[i].(float64)
		case *int:
			*ptr = row[i].(int)
		case *int64:
			*ptr = row[i].(int64)
		case *[]byte:
			*ptr = row[i].([]byte)
		case **float64:
			if row[i] == nil {
				*ptr = nil
			} else {
				v := row[i].(float64)
				*ptr = &v
			}
		case **bool:
			if row[i] == nil {
				*ptr = nil
			} else {
				v := row[i].(bool)
				*ptr = &v
			}
		default:
			return fmt.Errorf("unsupported dest type %T", d)
		}
	}
	return nil
}
