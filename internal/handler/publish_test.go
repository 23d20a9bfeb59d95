package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func TestPublishEvent_RetriesUntilSuccess(t *testing.T) {
	client, mock := redismock.NewClientMock()
	h := &Handler{
		redis:       client,
		eventStream: "test:events",
	}

	payload := []byte(`{"type":"ORDER_ACCEPTED"}`)
	args := &redis.XAddArgs{
		Stream: "test:events",
		Values: map[string]interface{}{"data": string(payload)},
	}
	mock.ExpectXAdd(args).SetErr(errors.New("transient"))
	mock.ExpectXAdd(args).SetVal("1-1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.publishEvent(ctx, payload); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPublishEvent_StopsOnContextCancel(t *testing.T) {
	client, mock := redismock.NewClientMock()
	h := &Handler{
		redis:       client,
		eventStream: "test:events",
	}
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "test:events",
		Values: map[string]interface{}{"data": "x"},
	}).SetErr(errors.New("down"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.publishEvent(ctx, []byte("x")); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
