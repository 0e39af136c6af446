package broadcaster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type OrderMatchStatus string

const (
	OrderMatchStatusMatched OrderMatchStatus = "matched"
	OrderMatchStatusError   OrderMatchStatus = "error"
)

var orderMatchStateSchema = `
CREATE TABLE IF NOT EXISTS order_match_state (
    id               TEXT PRIMARY KEY,
    status           TEXT        NOT NULL,
    tx_hash          BYTEA,
    currency         BYTEA,
    amount           NUMERIC,
    orders_fulfilled JSONB,
    error_code       TEXT,
    error_message    TEXT,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type DBOrderMatchState struct {
	ID              string         `db:"id"`
	Status          string         `db:"status"`
	TxHash          []byte         `db:"tx_hash"`
	Currency        []byte         `db:"currency"`
	Amount          sql.NullString `db:"amount"`
	OrdersFulfilled sql.NullString `db:"orders_fulfilled"`
	ErrorCode       sql.NullString `db:"error_code"`
	ErrorMessage    sql.NullString `db:"error_message"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

var upsertOrderMatchStateQuery = `
INSERT INTO order_match_state (id, status, tx_hash, currency, amount, orders_fulfilled, error_code, error_message, updated_at)
VALUES (:id, :status, :tx_hash, :currency, :amount, :orders_fulfilled, :error_code, :error_message, :updated_at)
ON CONFLICT (id) DO
UPDATE SET status = :status, tx_hash = :tx_hash, currency = :currency, amount = :amount, orders_fulfilled = :orders_fulfilled,
           error_code = :error_code, error_message = :error_message, updated_at = :updated_at`

var getOrderMatchStateQuery = `
SELECT id, status, tx_hash, currency, amount, orders_fulfilled, error_code, error_message, updated_at
FROM order_match_state
WHERE id = $1`

// DBBackend persists order match outcomes in postgres
type DBBackend struct {
	db *sqlx.DB

	upsertState *sqlx.NamedStmt
	getState    *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(orderMatchStateSchema); err != nil {
		return nil, err
	}

	upsertState, err := db.PrepareNamed(upsertOrderMatchStateQuery)
	if err != nil {
		return nil, err
	}
	getState, err := db.Preparex(getOrderMatchStateQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:          db,
		upsertState: upsertState,
		getState:    getState,
	}, nil
}

func (b *DBBackend) MarkMatched(ctx context.Context, id string, state MatchedState) error {
	ordersFulfilled, err := json.Marshal(state.OrdersFulfilled)
	if err != nil {
		return err
	}
	dbState := DBOrderMatchState{
		ID:              id,
		Status:          string(OrderMatchStatusMatched),
		TxHash:          state.TxHash.Bytes(),
		Currency:        state.Currency.Bytes(),
		Amount:          sql.NullString{String: bigOrZero(state.Amount).String(), Valid: true},
		OrdersFulfilled: sql.NullString{String: string(ordersFulfilled), Valid: true},
		UpdatedAt:       time.Now(),
	}
	_, err = b.upsertState.ExecContext(ctx, dbState)
	return err
}

func (b *DBBackend) MarkError(ctx context.Context, id string, state ErrorState) error {
	dbState := DBOrderMatchState{
		ID:           id,
		Status:       string(OrderMatchStatusError),
		ErrorCode:    sql.NullString{String: string(state.Code), Valid: true},
		ErrorMessage: sql.NullString{String: state.Message, Valid: state.Message != ""},
		UpdatedAt:    time.Now(),
	}
	_, err := b.upsertState.ExecContext(ctx, dbState)
	return err
}

func (b *DBBackend) GetOrderMatchState(ctx context.Context, id string) (*DBOrderMatchState, error) {
	var state DBOrderMatchState
	err := b.getState.GetContext(ctx, &state, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderMatchNotFound
	} else if err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *DBBackend) Close() {
	_ = b.db.Close()
}
