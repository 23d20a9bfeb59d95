// Package store 订单与成交持久化
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
)

var ErrDuplicateTrade = errors.New("duplicate trade")

// Store Postgres 持久化协作方, 实现 engine.Committer。
//
// 每次撮合的全部写入在一个事务内完成: taker 终态、maker 更新、
// 成交记录要么全部落库要么全部失败。
type Store struct {
	db *sql.DB
}

// New 创建 Store
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema 建表(幂等)
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE SCHEMA IF NOT EXISTS exchange_matching;

		CREATE TABLE IF NOT EXISTS exchange_matching.orders (
			order_id        BIGINT PRIMARY KEY,
			client_order_id TEXT NOT NULL DEFAULT '',
			user_id         BIGINT NOT NULL,
			symbol          TEXT NOT NULL,
			side            SMALLINT NOT NULL,
			price           BIGINT NOT NULL,
			orig_qty        BIGINT NOT NULL,
			leaves_qty      BIGINT NOT NULL,
			seq             BIGINT NOT NULL UNIQUE,
			status          SMALLINT NOT NULL,
			created_at_ns   BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_symbol_status
			ON exchange_matching.orders (symbol, status);

		CREATE TABLE IF NOT EXISTS exchange_matching.trades (
			trade_id       BIGINT PRIMARY KEY,
			symbol         TEXT NOT NULL,
			maker_order_id BIGINT NOT NULL,
			taker_order_id BIGINT NOT NULL,
			maker_user_id  BIGINT NOT NULL,
			taker_user_id  BIGINT NOT NULL,
			price          BIGINT NOT NULL,
			qty            BIGINT NOT NULL,
			taker_side     SMALLINT NOT NULL,
			seq            BIGINT NOT NULL,
			timestamp_ns   BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts
			ON exchange_matching.trades (symbol, timestamp_ns);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// MaxSequence 返回持久化过的最大序列号(订单序列与成交 ID 同源)。
// 查询失败时调用方必须拒绝启动, 否则可能重复分配序列号。
func (s *Store) MaxSequence(ctx context.Context) (int64, error) {
	const query = `
		SELECT GREATEST(
			COALESCE((SELECT MAX(seq) FROM exchange_matching.orders), 0),
			COALESCE((SELECT MAX(trade_id) FROM exchange_matching.trades), 0)
		)
	`
	var max int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max, nil
}

// CommitMatch 单事务落库一次撮合
func (s *Store) CommitMatch(ctx context.Context, req *engine.CommitRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertOrder = `
		INSERT INTO exchange_matching.orders
		(order_id, client_order_id, user_id, symbol, side, price,
		 orig_qty, leaves_qty, seq, status, created_at_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	taker := req.Taker
	if _, err := tx.ExecContext(ctx, insertOrder,
		taker.OrderID, taker.ClientOrderID, taker.UserID, taker.Symbol,
		int(taker.Side), taker.Price, taker.OrigQty, taker.LeavesQty,
		taker.Seq, int(taker.Status), taker.Timestamp,
	); err != nil {
		return fmt.Errorf("insert order %d: %w", taker.OrderID, err)
	}

	const updateMaker = `
		UPDATE exchange_matching.orders
		SET leaves_qty = $2, status = $3
		WHERE order_id = $1
	`
	for _, maker := range req.Makers {
		res, err := tx.ExecContext(ctx, updateMaker,
			maker.OrderID, maker.LeavesQty, int(maker.Status))
		if err != nil {
			return fmt.Errorf("update maker %d: %w", maker.OrderID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update maker %d: order missing from store", maker.OrderID)
		}
	}

	const insertTrade = `
		INSERT INTO exchange_matching.trades
		(trade_id, symbol, maker_order_id, taker_order_id, maker_user_id,
		 taker_user_id, price, qty, taker_side, seq, timestamp_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, trade := range req.Trades {
		if _, err := tx.ExecContext(ctx, insertTrade,
			trade.TradeID, trade.Symbol, trade.MakerOrderID, trade.TakerOrderID,
			trade.MakerUserID, trade.TakerUserID, trade.Price, trade.Qty,
			int(trade.TakerSide), trade.Seq, trade.Timestamp,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTrade
			}
			return fmt.Errorf("insert trade %d: %w", trade.TradeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CommitCancel 落库撤单状态
func (s *Store) CommitCancel(ctx context.Context, order *orderbook.Order) error {
	const query = `
		UPDATE exchange_matching.orders
		SET status = $2
		WHERE order_id = $1 AND status IN ($3, $4)
	`
	res, err := s.db.ExecContext(ctx, query,
		order.OrderID, int(orderbook.StatusCanceled),
		int(orderbook.StatusOpen), int(orderbook.StatusPartiallyFilled))
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", order.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", order.OrderID, err)
	}
	if n == 0 {
		return fmt.Errorf("cancel order %d: order not open in store", order.OrderID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
