package repository

import (
	"context"
	"time"

	"trademind/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventRepository is the append-only store of trading events. Events
// are never updated; retention is bounded by the training lookback.
type EventRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewEventRepository(pool PgxPool, tracer trace.Tracer) *EventRepository {
	return &EventRepository{pool: pool, tracer: tracer}
}

func (r *EventRepository) RunMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trading_events (
			id                  BIGSERIAL PRIMARY KEY,
			user_id             TEXT NOT NULL,
			timestamp           TIMESTAMPTZ NOT NULL,
			action              TEXT NOT NULL,
			symbol              TEXT NOT NULL,
			quantity            DOUBLE PRECISION NOT NULL,
			price               DOUBLE PRECISION NOT NULL,
			order_type          TEXT NOT NULL,
			decision_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			session_duration_s  DOUBLE PRECISION NOT NULL DEFAULT 0,
			portfolio_exposure  DOUBLE PRECISION NOT NULL DEFAULT 0,
			market_volatility   DOUBLE PRECISION NOT NULL DEFAULT 0,
			sentiment_score     DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_trading_events_user_ts
			ON trading_events (user_id, timestamp);
	`)
	return err
}

func (r *EventRepository) InsertEvents(ctx context.Context, events []domain.TradingEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	_, span := r.tracer.Start(ctx, "event-repo.insert-events")
	defer span.End()

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO trading_events
			 (user_id, timestamp, action, symbol, quantity, price, order_type,
			  decision_latency_ms, session_duration_s, portfolio_exposure,
			  market_volatility, sentiment_score)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			ev.UserID, ev.Timestamp.UTC(), string(ev.Action), ev.Symbol,
			ev.Quantity, ev.Price, string(ev.OrderType),
			ev.DecisionLatencyMS, ev.SessionDurationS, ev.PortfolioExposure,
			ev.MarketVolatility, ev.SentimentScore,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range events {
		if _, err := br.Exec(); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (r *EventRepository) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]domain.TradingEvent, error) {
	_, span := r.tracer.Start(ctx, "event-repo.list-events")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, timestamp, action, symbol, quantity, price, order_type,
		        decision_latency_ms, session_duration_s, portfolio_exposure,
		        market_volatility, sentiment_score
		 FROM trading_events
		 WHERE user_id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp ASC, id ASC`,
		userID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListUserIDs returns the training population: every user with at
// least one event in the window.
func (r *EventRepository) ListUserIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	_, span := r.tracer.Start(ctx, "event-repo.list-user-ids")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id
		 FROM trading_events
		 WHERE timestamp >= $1 AND timestamp <= $2
		 ORDER BY user_id`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// PruneBefore drops events past the retention horizon.
func (r *EventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "event-repo.prune-before")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM trading_events WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEvents(rows pgx.Rows) ([]domain.TradingEvent, error) {
	var events []domain.TradingEvent
	for rows.Next() {
		var ev domain.TradingEvent
		var action, orderType string
		var ts time.Time
		if err := rows.Scan(
			&ev.ID, &ev.UserID, &ts, &action, &ev.Symbol, &ev.Quantity, &ev.Price,
			&orderType, &ev.DecisionLatencyMS, &ev.SessionDurationS,
			&ev.PortfolioExposure, &ev.MarketVolatility, &ev.SentimentScore,
		); err != nil {
			return nil, err
		}
		ev.Timestamp = ts.UTC()
		ev.Action = domain.TradeAction(action)
		ev.OrderType = domain.OrderType(orderType)
		events = append(events, ev)
	}
	return events, rows.Err()
}
