// Package handler 消息处理
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/service"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/health"
	"github.com/exchange/matching/pkg/logger"
	"github.com/exchange/matching/pkg/tracing"
)

// OrderLoader 订单加载器接口（用于启动时恢复订单簿）
type OrderLoader interface {
	// LoadOpenOrders 加载指定 symbol 的全部 open 挂单, 按序列号升序
	LoadOpenOrders(ctx context.Context, symbol string) ([]*orderbook.Order, error)
	// ListActiveSymbols 列出所有有活跃订单的交易对
	ListActiveSymbols(ctx context.Context) ([]string, error)
}

// OrderMessage 订单消息（从 Redis Stream 接收）
type OrderMessage struct {
	Type          string `json:"type"` // NEW / CANCEL
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	UserID        int64  `json:"userId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`  // BUY / SELL
	Price         int64  `json:"price"` // 最小单位整数
	Qty           int64  `json:"qty"`
}

// EventMessage 事件消息（发送到 Redis Stream）
type EventMessage struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Handler 消息处理器
type Handler struct {
	redis *redis.Client
	svc   *service.Service
	log   *logger.Logger

	orderStream string // 输入流名称
	eventStream string // 输出流名称
	group       string // 消费者组
	consumer    string // 消费者名称
	dedupeTTL   time.Duration

	orderLoader  OrderLoader
	recoveryDone chan struct{}

	forwardWg sync.WaitGroup // 跟踪 forwardEvents goroutine
	loop      health.LoopMonitor
}

const (
	defaultMaxStreamRetries = 10
	defaultClaimMinIdle     = 30 * time.Second

	// 深度指标统计的最大价位档数
	depthGaugeLevels = 1000
)

// Config 配置
type Config struct {
	OrderStream string
	EventStream string
	Group       string
	Consumer    string
	DedupeTTL   time.Duration
	OrderLoader OrderLoader
	Logger      *logger.Logger
}

// NewHandler 创建处理器
func NewHandler(redisClient *redis.Client, svc *service.Service, cfg *Config) *Handler {
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching", nil)
	}
	return &Handler{
		redis:        redisClient,
		svc:          svc,
		log:          log,
		orderStream:  cfg.OrderStream,
		eventStream:  cfg.EventStream,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		dedupeTTL:    dedupeTTL,
		orderLoader:  cfg.OrderLoader,
		recoveryDone: make(chan struct{}),
	}
}

// Start 启动处理器
//
// 订单簿恢复在消费任何新消息之前完成; 恢复失败是致命错误,
// 在不完整的簿上撮合会产生错误成交。
func (h *Handler) Start(ctx context.Context) error {
	err := h.redis.XGroupCreateMkStream(ctx, h.orderStream, h.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	h.log.Info("recovering order books from database")
	if err := h.recoverOrderBooks(ctx); err != nil {
		return fmt.Errorf("recover order books: %w", err)
	}
	close(h.recoveryDone)
	h.log.Info("order book recovery completed")

	// 每个引擎一个事件转发协程, 保持事件产生顺序
	for _, eng := range h.svc.Engines() {
		h.forwardWg.Add(1)
		go h.forwardEvents(ctx, eng)
	}

	h.observeEngines()
	h.loop.Tick()
	go h.consumeLoop(ctx)

	return nil
}

// observeEngines 刷新每个引擎的深度与停机指标
func (h *Handler) observeEngines() {
	for _, eng := range h.svc.Engines() {
		halted, _ := eng.Halted()
		metrics.SetEngineHalted(eng.Symbol(), halted)

		bids, asks := eng.Depth(depthGaugeLevels)
		var bidQty, askQty int64
		for _, l := range bids {
			bidQty += l.Qty
		}
		for _, l := range asks {
			askQty += l.Qty
		}
		metrics.SetOrderbookDepth(eng.Symbol(), "bid", float64(bidQty))
		metrics.SetOrderbookDepth(eng.Symbol(), "ask", float64(askQty))
	}
}

func (h *Handler) recoverOrderBooks(ctx context.Context) error {
	if h.orderLoader == nil {
		return nil
	}

	symbols, err := h.orderLoader.ListActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("list active symbols: %w", err)
	}

	for _, symbol := range symbols {
		if err := h.recoverSymbol(ctx, symbol); err != nil {
			return fmt.Errorf("recover symbol %s: %w", symbol, err)
		}
	}
	return nil
}

func (h *Handler) recoverSymbol(ctx context.Context, symbol string) error {
	eng, ok := h.svc.EngineFor(symbol)
	if !ok {
		// 存储里有挂单但本实例未配置该 symbol
		h.log.WithField("symbol", symbol).Warn("skipping recovery for unconfigured symbol")
		return nil
	}

	orders, err := h.orderLoader.LoadOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	for _, order := range orders {
		if order == nil {
			continue
		}
		// 直接添加到订单簿，不经过撮合
		if err := eng.AddOrderDirect(order); err != nil {
			return fmt.Errorf("add order %d direct: %w", order.OrderID, err)
		}
	}

	h.log.Infof("recovered orders", map[string]interface{}{
		"symbol": symbol, "count": len(orders),
	})
	return nil
}

func (h *Handler) ConsumeLoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return h.loop.Healthy(now, maxAge)
}

func (h *Handler) consumeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.loop.SetError(fmt.Errorf("panic: %v", r))
			h.log.Errorf("consumeLoop panic", map[string]interface{}{
				"panic": r, "stack": string(debug.Stack()),
			})
		}
	}()

	pendingTicker := time.NewTicker(30 * time.Second)
	defer pendingTicker.Stop()

	if err := h.processPending(ctx); err != nil {
		h.loop.SetError(err)
		h.log.WithError(err).Warn("process pending error")
	}

	for {
		h.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := h.processPending(ctx); err != nil {
				h.loop.SetError(err)
				h.log.WithError(err).Warn("process pending error")
			}
			h.observeEngines()
			continue
		default:
		}

		results, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    h.group,
			Consumer: h.consumer,
			Streams:  []string{h.orderStream, ">"},
			Count:    100,
			Block:    1000 * time.Millisecond,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.loop.SetError(err)
			h.log.WithError(err).Warn("read stream error")
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				h.processMessage(ctx, msg)
			}
		}
	}
}

func (h *Handler) processMessage(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		h.ack(ctx, msg.ID)
		return
	}

	msgCtx := tracing.ExtractRedisStream(ctx, msg.Values)

	var orderMsg OrderMessage
	if err := json.Unmarshal([]byte(data), &orderMsg); err != nil {
		h.log.WithError(err).Warn("unmarshal message error")
		h.ack(ctx, msg.ID)
		return
	}

	if !h.shouldProcess(ctx, &orderMsg) {
		h.ack(ctx, msg.ID)
		return
	}

	switch strings.ToUpper(orderMsg.Type) {
	case "CANCEL":
		h.handleCancel(msgCtx, &orderMsg)
	default:
		h.handleNewOrder(msgCtx, &orderMsg)
	}

	h.ack(ctx, msg.ID)
}

func (h *Handler) handleNewOrder(ctx context.Context, msg *OrderMessage) {
	start := time.Now()

	order, trades, err := h.svc.SubmitOrder(ctx, &service.SubmitRequest{
		Symbol:        msg.Symbol,
		Side:          msg.Side,
		Price:         msg.Price,
		Qty:           msg.Qty,
		UserID:        msg.UserID,
		OrderID:       msg.OrderID,
		ClientOrderID: msg.ClientOrderID,
	})
	if err != nil {
		tracing.SetError(ctx, err)
		// 校验被拒的订单不经过引擎, 在这里补发拒绝事件
		switch apperrors.CodeOf(err) {
		case apperrors.CodeSymbolNotFound, apperrors.CodeInvalidSide,
			apperrors.CodeInvalidPrice, apperrors.CodeInvalidQuantity:
			h.publishRejection(ctx, msg, string(apperrors.CodeOf(err)))
		default:
			h.log.WithError(err).WithField("orderId", msg.OrderID).Warn("submit order error")
		}
		return
	}

	metrics.ObserveMatchingLatency(time.Since(start))
	metrics.AddMatchingThroughput(1)
	for range trades {
		metrics.IncTradesCreated(order.Symbol)
	}
}

func (h *Handler) handleCancel(ctx context.Context, msg *OrderMessage) {
	_, err := h.svc.CancelOrder(ctx, msg.Symbol, msg.OrderID)
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		tracing.SetError(ctx, err)
		if apperrors.CodeOf(err) == apperrors.CodeSymbolNotFound {
			h.publishRejection(ctx, msg, string(apperrors.CodeSymbolNotFound))
			return
		}
		h.log.WithError(err).WithField("orderId", msg.OrderID).Warn("cancel order error")
	}
}

func (h *Handler) publishRejection(ctx context.Context, msg *OrderMessage, reason string) {
	eventMsg := &EventMessage{
		Type:      "ORDER_REJECTED",
		Symbol:    msg.Symbol,
		Timestamp: time.Now().UnixNano(),
		Data: &engine.OrderRejectedData{
			OrderID:       msg.OrderID,
			ClientOrderID: msg.ClientOrderID,
			UserID:        msg.UserID,
			Reason:        reason,
		},
	}
	payload, err := json.Marshal(eventMsg)
	if err != nil {
		h.log.WithError(err).Warn("marshal rejection error")
		return
	}
	if err := h.publishEvent(ctx, payload); err != nil && ctx.Err() == nil {
		h.log.WithError(err).Warn("send rejection error")
	}
}

func (h *Handler) shouldProcess(ctx context.Context, msg *OrderMessage) bool {
	if h.dedupeTTL <= 0 || msg == nil || msg.OrderID <= 0 {
		return true
	}
	key := fmt.Sprintf("dedupe:%s:%d", strings.ToLower(msg.Type), msg.OrderID)
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := h.redis.SetNX(timeoutCtx, key, "1", h.dedupeTTL).Result()
	if err != nil {
		h.log.WithError(err).Warn("dedupe check error")
		return true
	}
	return ok
}

func (h *Handler) processPending(ctx context.Context) error {
	if summary, err := h.redis.XPending(ctx, h.orderStream, h.group).Result(); err == nil {
		metrics.SetStreamPending(h.orderStream, h.group, summary.Count)
	}

	pending, err := h.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: h.orderStream,
		Group:  h.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle >= defaultClaimMinIdle {
			ids = append(ids, entry.ID)
			if entry.RetryCount > defaultMaxStreamRetries {
				dlqIDs[entry.ID] = entry.RetryCount
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := h.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   h.orderStream,
		Group:    h.group,
		Consumer: h.consumer,
		MinIdle:  defaultClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := h.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				metrics.IncStreamError(h.orderStream, h.group)
				h.log.WithError(err).Warn("send dlq error")
				continue
			}
			metrics.IncStreamDLQ(h.orderStream, h.group)
			h.ack(ctx, msg.ID)
			continue
		}
		h.processMessage(ctx, msg)
	}
	return nil
}

func (h *Handler) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	dlqStream := h.orderStream + ":dlq"
	_, err := h.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"stream":   h.orderStream,
			"msgId":    msg.ID,
			"reason":   reason,
			"data":     msg.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    h.group,
			"consumer": h.consumer,
		},
	}).Result()
	return err
}

func (h *Handler) forwardEvents(ctx context.Context, eng *engine.Engine) {
	defer h.forwardWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Done():
			return
		case event := <-eng.Events():
			if event == nil {
				continue
			}
			eventMsg := &EventMessage{
				Type:      eventTypeToString(event.Type),
				Symbol:    event.Symbol,
				Seq:       event.Seq,
				Timestamp: event.Timestamp,
				Data:      event.Data,
			}

			data, err := json.Marshal(eventMsg)
			if err != nil {
				h.log.WithError(err).Warn("marshal event error")
				continue
			}

			if err := h.publishEvent(ctx, data); err != nil && ctx.Err() == nil {
				h.log.WithError(err).Warn("send event error")
			}
		}
	}
}

func (h *Handler) publishEvent(ctx context.Context, payload []byte) error {
	backoff := 200 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		values := map[string]interface{}{
			"data": string(payload),
		}
		tracing.InjectRedisStream(ctx, values)
		_, err := h.redis.XAdd(sendCtx, &redis.XAddArgs{
			Stream: h.eventStream,
			Values: values,
		}).Result()
		cancel()
		if err == nil {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (h *Handler) ack(ctx context.Context, id string) {
	if err := h.redis.XAck(ctx, h.orderStream, h.group, id).Err(); err != nil {
		h.log.WithError(err).WithField("msgId", id).Warn("ack message error")
	}
}

// Stop 优雅关闭处理器
func (h *Handler) Stop() {
	h.log.Info("stopping handler")
	h.svc.Stop()
	h.forwardWg.Wait()
	h.log.Info("handler stopped")
}

func eventTypeToString(t engine.EventType) string {
	switch t {
	case engine.EventOrderAccepted:
		return "ORDER_ACCEPTED"
	case engine.EventOrderRejected:
		return "ORDER_REJECTED"
	case engine.EventOrderCanceled:
		return "ORDER_CANCELED"
	case engine.EventTradeCreated:
		return "TRADE_CREATED"
	case engine.EventOrderFilled:
		return "ORDER_FILLED"
	case engine.EventOrderPartiallyFilled:
		return "ORDER_PARTIALLY_FILLED"
	default:
		return "UNKNOWN"
	}
}
