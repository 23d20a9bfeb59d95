package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func sampleCommit() *engine.CommitRequest {
	return &engine.CommitRequest{
		Taker: orderbook.Order{
			OrderID:       2,
			ClientOrderID: "c-2",
			UserID:        200,
			Symbol:        "BTCUSDT",
			Side:          orderbook.SideBuy,
			Price:         101,
			OrigQty:       4,
			LeavesQty:     0,
			Seq:           2,
			Status:        orderbook.StatusFilled,
			Timestamp:     1000,
		},
		Makers: []engine.MakerUpdate{
			{OrderID: 1, LeavesQty: 6, Status: orderbook.StatusPartiallyFilled},
		},
		Trades: []*orderbook.Trade{
			{
				TradeID:      3,
				Symbol:       "BTCUSDT",
				MakerOrderID: 1,
				TakerOrderID: 2,
				MakerUserID:  100,
				TakerUserID:  200,
				Price:        100,
				Qty:          4,
				TakerSide:    orderbook.SideBuy,
				Seq:          2,
				Timestamp:    1000,
			},
		},
	}
}

func TestMaxSequence(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT GREATEST").
		WillReturnRows(sqlmock.NewRows([]string{"greatest"}).AddRow(int64(77)))

	max, err := st.MaxSequence(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if max != 77 {
		t.Fatalf("expected 77, got %d", max)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMaxSequence_QueryError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT GREATEST").WillReturnError(errors.New("connection refused"))

	if _, err := st.MaxSequence(context.Background()); err == nil {
		t.Fatal("expected error when watermark unreadable")
	}
}

func TestCommitMatch_SingleTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	req := sampleCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO exchange_matching.orders").
		WithArgs(int64(2), "c-2", int64(200), "BTCUSDT", 1, int64(101),
			int64(4), int64(0), int64(2), 3, int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE exchange_matching.orders").
		WithArgs(int64(1), int64(6), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exchange_matching.trades").
		WithArgs(int64(3), "BTCUSDT", int64(1), int64(2), int64(100),
			int64(200), int64(100), int64(4), 1, int64(2), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.CommitMatch(context.Background(), req); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitMatch_MakerMissingRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	req := sampleCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO exchange_matching.orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE exchange_matching.orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.CommitMatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for missing maker")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitMatch_DuplicateTrade(t *testing.T) {
	st, mock := newMockStore(t)
	req := sampleCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO exchange_matching.orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE exchange_matching.orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exchange_matching.trades").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := st.CommitMatch(context.Background(), req)
	if !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}
}

func TestCommitMatch_BeginError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("db down"))

	if err := st.CommitMatch(context.Background(), sampleCommit()); err == nil {
		t.Fatal("expected error when begin fails")
	}
}

func TestCommitCancel(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE exchange_matching.orders").
		WithArgs(int64(1), 4, 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	order := &orderbook.Order{OrderID: 1, Status: orderbook.StatusCanceled}
	if err := st.CommitCancel(context.Background(), order); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitCancel_NotOpen(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE exchange_matching.orders").
		WillReturnResult(sqlmock.NewResult(0, 0))

	order := &orderbook.Order{OrderID: 1, Status: orderbook.StatusCanceled}
	if err := st.CommitCancel(context.Background(), order); err == nil {
		t.Fatal("expected error when order not open in store")
	}
}

func TestEnsureSchema(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS exchange_matching").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
