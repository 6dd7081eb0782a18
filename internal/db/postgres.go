package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/journal"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

// New opens a Postgres-backed Storage and ensures the schema exists.
func New(connStr string, maxOpen, maxIdle int) (*Default, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)

	p := &Default{db: conn}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS protective_groups (
			position_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			orders JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			remaining_qty DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			entry_order_id TEXT NOT NULL DEFAULT '',
			prices JSONB
		)`,
		`ALTER TABLE positions ADD COLUMN IF NOT EXISTS entry_order_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE positions ADD COLUMN IF NOT EXISTS prices JSONB`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			pnl DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time)`,
	}
	for _, s := range stmts {
		if _, err := p.db.Exec(s); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// -------- group.Repository --------

func (p *Default) SaveGroup(ctx context.Context, g group.Group) error {
	ordersJSON, err := json.Marshal(g.Orders)
	if err != nil {
		return fmt.Errorf("failed to marshal orders for group %s: %w", g.PositionID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO protective_groups (position_id, symbol, side, orders, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (position_id) DO UPDATE SET
			orders=EXCLUDED.orders, updated_at=EXCLUDED.updated_at`,
			g.PositionID, g.Symbol, g.Side, ordersJSON, g.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save group for position %s: %w", g.PositionID, err)
		}
		return nil
	})
}

func (p *Default) GetGroup(ctx context.Context, positionID string) (*group.Group, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT position_id, symbol, side, orders, updated_at
		FROM protective_groups WHERE position_id=$1`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group for position %s: %w", positionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, group.ErrNotFound
	}
	g, err := scanGroup(rows)
	if err != nil {
		return nil, err
	}
	return g, rows.Err()
}

func (p *Default) ListGroups(ctx context.Context) ([]group.Group, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT position_id, symbol, side, orders, updated_at
		FROM protective_groups ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []group.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (p *Default) DeleteGroup(ctx context.Context, positionID string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM protective_groups WHERE position_id=$1`, positionID)
		if err != nil {
			return fmt.Errorf("failed to delete group for position %s: %w", positionID, err)
		}
		return nil
	})
}

func scanGroup(rows *sql.Rows) (*group.Group, error) {
	var g group.Group
	var ordersJSON []byte
	if err := rows.Scan(&g.PositionID, &g.Symbol, &g.Side, &ordersJSON, &g.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	if err := json.Unmarshal(ordersJSON, &g.Orders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orders for group %s: %w", g.PositionID, err)
	}
	return &g, nil
}

// -------- Positions --------

func (p *Default) SavePosition(ctx context.Context, pos Position) error {
	pricesJSON, err := json.Marshal(pos.Prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices for position %s: %w", pos.ID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, side, entry_price, quantity, remaining_qty, state, opened_at, updated_at, entry_order_id, prices)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			entry_price=EXCLUDED.entry_price, quantity=EXCLUDED.quantity,
			remaining_qty=EXCLUDED.remaining_qty, state=EXCLUDED.state,
			updated_at=EXCLUDED.updated_at, entry_order_id=EXCLUDED.entry_order_id,
			prices=EXCLUDED.prices`,
			pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.RemainingQty, pos.State, pos.OpenedAt, pos.UpdatedAt, pos.EntryOrderID, pricesJSON)
		if err != nil {
			return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func (p *Default) GetPosition(ctx context.Context, id string) (*Position, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, symbol, side, entry_price, quantity, remaining_qty, state, opened_at, updated_at, entry_order_id, prices
		FROM positions WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	pos, err := scanPosition(rows)
	if err != nil {
		return nil, err
	}
	return pos, rows.Err()
}

func (p *Default) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, symbol, side, entry_price, quantity, remaining_qty, state, opened_at, updated_at, entry_order_id, prices
		FROM positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func (p *Default) SaveClosedPosition(ctx context.Context, pos ClosedPosition) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO closed_positions (id, symbol, side, entry_price, quantity, exit_price, pnl, reason, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
			pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.ExitPrice, pos.PnL, pos.Reason, pos.OpenedAt, pos.ClosedAt)
		if err != nil {
			return fmt.Errorf("failed to save closed position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func (p *Default) DeletePosition(ctx context.Context, id string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id=$1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete position %s: %w", id, err)
		}
		return nil
	})
}

func scanPosition(rows *sql.Rows) (*Position, error) {
	var pos Position
	var pricesJSON []byte
	if err := rows.Scan(&pos.ID, &pos.Symbol, &pos.Side, &pos.EntryPrice, &pos.Quantity,
		&pos.RemainingQty, &pos.State, &pos.OpenedAt, &pos.UpdatedAt, &pos.EntryOrderID, &pricesJSON); err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	if len(pricesJSON) > 0 {
		if err := json.Unmarshal(pricesJSON, &pos.Prices); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prices for position %s: %w", pos.ID, err)
		}
	}
	return &pos, nil
}

// -------- journal.Journaler --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, dataJSON)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time`, eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var dataJSON []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
