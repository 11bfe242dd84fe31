package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
)

const createTrackedTables = `
CREATE TABLE IF NOT EXISTS tracked_events (
    id           BIGSERIAL PRIMARY KEY,
    block_number BIGINT NOT NULL,
    tx_hash      TEXT NOT NULL,
    log_index    BIGINT NOT NULL,
    address      TEXT NOT NULL,
    topic0       TEXT NOT NULL,
    name         TEXT,
    decode_ok    BOOLEAN NOT NULL,
    fields       JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_tracked_events_address ON tracked_events (address);
CREATE INDEX IF NOT EXISTS idx_tracked_events_block ON tracked_events (block_number);

CREATE TABLE IF NOT EXISTS tracked_transactions (
    id           BIGSERIAL PRIMARY KEY,
    tx_hash      TEXT NOT NULL UNIQUE,
    block_number BIGINT,
    selector     TEXT,
    func_name    TEXT,
    decode_ok    BOOLEAN NOT NULL,
    pending      BOOLEAN NOT NULL,
    fields       JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const insertTrackedEvent = `
INSERT INTO tracked_events (block_number, tx_hash, log_index, address, topic0, name, decode_ok, fields)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tx_hash, log_index) DO NOTHING
`

const insertTrackedTransaction = `
INSERT INTO tracked_transactions (tx_hash, block_number, selector, func_name, decode_ok, pending, fields)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tx_hash) DO UPDATE SET
    block_number = EXCLUDED.block_number,
    pending = EXCLUDED.pending
`

// DBLogAction persists decoded events and transactions to Postgres.
// Option: dsn (required). The schema is ensured at startup so a broken
// database fails the run before tracking begins.
type DBLogAction struct {
	BaseAction
	logger *slog.Logger
	pool   *pgxpool.Pool
	filter addressFilter
}

func newDBLogAction(env Env, cfg config.ActionConfig) (Action, error) {
	dsn := optString(cfg.Options, "dsn", "")
	if dsn == "" {
		return nil, fmt.Errorf("dblog action requires a dsn option")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTrackedTables); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &DBLogAction{
		BaseAction: NewBaseAction("dblog"),
		logger:     env.Logger.With("action", "dblog"),
		pool:       pool,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *DBLogAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !a.filter.match(ev.Log.Address) {
		return nil
	}
	fields, err := fieldsJSON(ev.Log.Fields)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, insertTrackedEvent,
		int64(ev.Log.BlockNumber),
		ev.Log.TxHash.Hex(),
		int64(ev.Log.LogIndex),
		strings.ToLower(ev.Log.Address.Hex()),
		ev.Log.Topic0.Hex(),
		ev.Log.Name,
		ev.Log.DecodeOK,
		fields,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (a *DBLogAction) OnTransaction(ctx context.Context, tx *TxRecord) error {
	if to := tx.Tx.To(); to != nil && !a.filter.match(*to) {
		return nil
	}
	fields, err := fieldsJSON(tx.Call.Fields)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, insertTrackedTransaction,
		tx.Tx.Hash().Hex(),
		int64(tx.BlockNumber),
		tx.Call.Selector,
		tx.Call.Name,
		tx.Call.DecodeOK,
		tx.Pending,
		fields,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (a *DBLogAction) Close() error {
	a.pool.Close()
	return nil
}

func fieldsJSON(fields []decode.Field) ([]byte, error) {
	m := make(map[string]string, len(fields))
	for _, kv := range decode.StringFields(fields) {
		m[kv[0]] = kv[1]
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return data, nil
}

var _ Action = (*DBLogAction)(nil)
