package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/exchange/matching/internal/orderbook"
)

func newMockLoader(t *testing.T) (*DBOrderLoader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDBOrderLoader(db), mock
}

func TestListActiveSymbols(t *testing.T) {
	loader, mock := newMockLoader(t)

	rows := sqlmock.NewRows([]string{"symbol"}).
		AddRow("BTCUSDT").
		AddRow("ETHUSDT").
		AddRow("  ")
	mock.ExpectQuery("SELECT DISTINCT symbol").
		WithArgs(1, 2).
		WillReturnRows(rows)

	symbols, err := loader.ListActiveSymbols(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// 空白 symbol 被过滤
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Fatalf("unexpected symbols: %v", symbols)
	}
}

func TestListActiveSymbols_QueryError(t *testing.T) {
	loader, mock := newMockLoader(t)

	mock.ExpectQuery("SELECT DISTINCT symbol").
		WillReturnError(errors.New("connection refused"))

	if _, err := loader.ListActiveSymbols(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadOpenOrders_SequenceOrder(t *testing.T) {
	loader, mock := newMockLoader(t)

	cols := []string{"order_id", "client_order_id", "user_id", "symbol", "side",
		"price", "orig_qty", "leaves_qty", "seq", "status", "created_at_ns"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "c-1", int64(100), "BTCUSDT", 1, int64(100), int64(10), int64(10), int64(3), 1, int64(1000)).
		AddRow(int64(2), "c-2", int64(101), "BTCUSDT", 2, int64(105), int64(8), int64(4), int64(7), 2, int64(2000))
	mock.ExpectQuery("SELECT order_id").
		WithArgs("BTCUSDT", 1, 2).
		WillReturnRows(rows)

	orders, err := loader.LoadOpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].Seq != 3 || orders[1].Seq != 7 {
		t.Fatalf("expected seq order 3,7, got %d,%d", orders[0].Seq, orders[1].Seq)
	}
	if orders[0].Side != orderbook.SideBuy || orders[1].Side != orderbook.SideSell {
		t.Fatalf("unexpected sides: %d,%d", orders[0].Side, orders[1].Side)
	}
	if orders[1].Status != orderbook.StatusPartiallyFilled || orders[1].LeavesQty != 4 {
		t.Fatalf("unexpected partial order: %+v", orders[1])
	}
}

func TestLoadOpenOrders_NilDB(t *testing.T) {
	var loader *DBOrderLoader
	if _, err := loader.LoadOpenOrders(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected error for nil loader")
	}
}
