package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/exchange/matching/internal/orderbook"
)

// DBOrderLoader 启动时从存储加载 open 挂单重建订单簿。
//
// 返回顺序按序列号升序: 逐条 AddOrderDirect 即可恢复每个
// 价格档位内的时间优先级。
type DBOrderLoader struct {
	db *sql.DB
}

func NewDBOrderLoader(db *sql.DB) *DBOrderLoader {
	return &DBOrderLoader{db: db}
}

func (l *DBOrderLoader) ListActiveSymbols(ctx context.Context) ([]string, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT DISTINCT symbol
		FROM exchange_matching.orders
		WHERE status IN ($1, $2)
		ORDER BY symbol ASC
	`
	rows, err := l.db.QueryContext(ctx, query,
		int(orderbook.StatusOpen), int(orderbook.StatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		if strings.TrimSpace(symbol) != "" {
			symbols = append(symbols, symbol)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate symbols: %w", err)
	}
	return symbols, nil
}

func (l *DBOrderLoader) LoadOpenOrders(ctx context.Context, symbol string) ([]*orderbook.Order, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT order_id, client_order_id, user_id, symbol, side,
			   price, orig_qty, leaves_qty, seq, status, created_at_ns
		FROM exchange_matching.orders
		WHERE symbol = $1
		  AND status IN ($2, $3)
		  AND leaves_qty > 0
		ORDER BY seq ASC
	`
	rows, err := l.db.QueryContext(ctx, query, symbol,
		int(orderbook.StatusOpen), int(orderbook.StatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	defer rows.Close()

	var orders []*orderbook.Order
	for rows.Next() {
		var (
			o      orderbook.Order
			side   int
			status int
		)
		if err := rows.Scan(
			&o.OrderID,
			&o.ClientOrderID,
			&o.UserID,
			&o.Symbol,
			&side,
			&o.Price,
			&o.OrigQty,
			&o.LeavesQty,
			&o.Seq,
			&status,
			&o.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = orderbook.Side(side)
		o.Status = orderbook.Status(status)
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}
