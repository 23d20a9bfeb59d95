// Package engine 撮合引擎
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/exchange/matching/pkg/errors"

	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/sequence"
)

// CommandType 命令类型
type CommandType int

const (
	CmdNewOrder CommandType = iota + 1
	CmdCancelOrder
)

// Command 撮合命令
//
// Reply 可选; 提供时引擎在命令处理完成后写入一条 Result
// (缓冲为 1, 引擎不会阻塞在回复上)。
type Command struct {
	Type          CommandType
	OrderID       int64
	ClientOrderID string
	UserID        int64
	Symbol        string
	Side          orderbook.Side
	Price         int64
	Qty           int64

	Reply chan *Result
}

// Result 同步提交的处理结果
type Result struct {
	Order  *orderbook.Order
	Trades []*orderbook.Trade
	Err    error
}

// EventType 事件类型
type EventType int

const (
	EventOrderAccepted EventType = iota + 1
	EventOrderRejected
	EventOrderCanceled
	EventTradeCreated
	EventOrderFilled
	EventOrderPartiallyFilled
)

// Event 撮合事件
type Event struct {
	Type      EventType
	Symbol    string
	Seq       int64
	Timestamp int64
	Data      interface{}
}

// OrderAcceptedData 订单接受事件数据
type OrderAcceptedData struct {
	OrderID       int64
	ClientOrderID string
	UserID        int64
	Side          orderbook.Side
	Price         int64
	Qty           int64
	OrderSeq      int64
}

// OrderRejectedData 订单拒绝事件数据
type OrderRejectedData struct {
	OrderID       int64
	ClientOrderID string
	UserID        int64
	Reason        string
}

// OrderCanceledData 订单取消事件数据
type OrderCanceledData struct {
	OrderID       int64
	ClientOrderID string
	UserID        int64
	LeavesQty     int64
	Reason        string
}

// TradeCreatedData 成交事件数据
type TradeCreatedData struct {
	TradeID      int64
	MakerOrderID int64
	TakerOrderID int64
	MakerUserID  int64
	TakerUserID  int64
	Price        int64
	Qty          int64
	TakerSide    orderbook.Side
	TakerSeq     int64
}

// OrderFilledData 订单完全成交事件数据
type OrderFilledData struct {
	OrderID       int64
	ClientOrderID string
	UserID        int64
	ExecutedQty   int64
}

// OrderPartiallyFilledData 订单部分成交事件数据
type OrderPartiallyFilledData struct {
	OrderID       int64
	ClientOrderID string
	UserID        int64
	ExecutedQty   int64
	LeavesQty     int64
}

// MakerUpdate 持久化用的被动方终态
type MakerUpdate struct {
	OrderID   int64
	LeavesQty int64
	Status    orderbook.Status
}

// CommitRequest 单次撮合的持久化请求, 一个事务内落库
type CommitRequest struct {
	Taker  orderbook.Order // 撮合后的终态快照
	Makers []MakerUpdate
	Trades []*orderbook.Trade
}

// Committer 持久化协作方。
// 落库发生在订单簿变更可见之前: 落库失败则本次命令被整体拒绝,
// 订单簿保持未变。
type Committer interface {
	CommitMatch(ctx context.Context, req *CommitRequest) error
	CommitCancel(ctx context.Context, order *orderbook.Order) error
}

// Engine 撮合引擎
//
// 每个 symbol 一个引擎, 单协程消费命令通道: 同一 symbol 的
// 撮合严格串行, 处理顺序即序列号分配顺序(序列号在本协程内分配)。
type Engine struct {
	symbol    string
	book      *orderbook.OrderBook
	seq       *sequence.Sequencer
	committer Committer

	cmdCh   chan *Command
	eventCh chan *Event

	eventSeq int64

	halted  atomic.Bool
	haltErr atomic.Value // string
	haltMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine 创建撮合引擎
func NewEngine(symbol string, seq *sequence.Sequencer, committer Committer, cmdBufferSize, eventBufferSize int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		symbol:    symbol,
		book:      orderbook.NewOrderBook(symbol),
		seq:       seq,
		committer: committer,
		cmdCh:     make(chan *Command, cmdBufferSize),
		eventCh:   make(chan *Event, eventBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动引擎
func (e *Engine) Start() {
	go e.run()
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.cancel()
}

// Symbol 引擎所属交易对
func (e *Engine) Symbol() string {
	return e.symbol
}

// Submit 提交命令
func (e *Engine) Submit(cmd *Command) error {
	if e.halted.Load() {
		return apperrors.Newf(apperrors.CodeEngineHalted,
			"engine for %s halted: %s", e.symbol, e.haltReason())
	}

	select {
	case <-e.ctx.Done():
		return apperrors.Newf(apperrors.CodeUnavailable, "engine for %s stopped", e.symbol)
	default:
	}

	select {
	case e.cmdCh <- cmd:
		return nil
	case <-e.ctx.Done():
		return apperrors.Newf(apperrors.CodeUnavailable, "engine for %s stopped", e.symbol)
	default:
		return apperrors.New(apperrors.CodeEngineQueueFull, "command queue full")
	}
}

// Events 获取事件通道
func (e *Engine) Events() <-chan *Event {
	return e.eventCh
}

func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Halted 返回引擎停机状态与原因
func (e *Engine) Halted() (bool, string) {
	return e.halted.Load(), e.haltReason()
}

// Depth 获取聚合深度
func (e *Engine) Depth(limit int) (bids, asks []orderbook.PriceQty) {
	return e.book.Depth(limit)
}

// Book 获取两侧全部挂单快照
func (e *Engine) Book() (bids, asks []orderbook.Order) {
	return e.book.Snapshot()
}

// BestBid 最优买价
func (e *Engine) BestBid() (int64, int64, bool) {
	return e.book.BestBid()
}

// BestAsk 最优卖价
func (e *Engine) BestAsk() (int64, int64, bool) {
	return e.book.BestAsk()
}

// AddOrderDirect 恢复时直接挂单, 不经过撮合。
// 只能在引擎开始消费命令之前调用。
func (e *Engine) AddOrderDirect(o *orderbook.Order) error {
	return e.book.AddOrder(o)
}

func (e *Engine) run() {
	defer e.drainCommands()
	for {
		if e.halted.Load() {
			return
		}
		select {
		case cmd := <-e.cmdCh:
			e.processCommand(cmd)
		case <-e.ctx.Done():
			return
		}
	}
}

// drainCommands 停机后回复仍在队列中的命令, 提交方不必等到自身超时
func (e *Engine) drainCommands() {
	for {
		select {
		case cmd := <-e.cmdCh:
			if e.halted.Load() {
				e.reply(cmd, &Result{Err: apperrors.Newf(apperrors.CodeEngineHalted,
					"engine for %s halted: %s", e.symbol, e.haltReason())})
			} else {
				e.reply(cmd, &Result{Err: apperrors.Newf(apperrors.CodeUnavailable,
					"engine for %s stopped", e.symbol)})
			}
		default:
			return
		}
	}
}

func (e *Engine) processCommand(cmd *Command) {
	switch cmd.Type {
	case CmdNewOrder:
		e.processNewOrder(cmd)
	case CmdCancelOrder:
		e.processCancelOrder(cmd)
	default:
		e.reply(cmd, &Result{Err: apperrors.ErrInvalidParam})
	}
}

func (e *Engine) processNewOrder(cmd *Command) {
	if cmd.Price <= 0 || cmd.Qty <= 0 ||
		(cmd.Side != orderbook.SideBuy && cmd.Side != orderbook.SideSell) {
		e.emit(EventOrderRejected, &OrderRejectedData{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
			UserID:        cmd.UserID,
			Reason:        "INVALID_ORDER",
		})
		e.reply(cmd, &Result{Err: apperrors.ErrInvalidParam})
		return
	}

	// 序列号在单写者协程内分配: 同一 symbol 的处理顺序
	// 与序列号顺序天然一致。
	order := &orderbook.Order{
		OrderID:       cmd.OrderID,
		UserID:        cmd.UserID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Price:         cmd.Price,
		OrigQty:       cmd.Qty,
		LeavesQty:     cmd.Qty,
		Seq:           e.seq.Next(),
		Status:        orderbook.StatusOpen,
		Timestamp:     time.Now().UnixNano(),
	}

	result := e.book.Match(order, e.seq.Next)

	// 先落库, 后应用: 未能持久化的撮合不会对外可见。
	if err := e.committer.CommitMatch(e.ctx, buildCommitRequest(order, result)); err != nil {
		e.emit(EventOrderRejected, &OrderRejectedData{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
			UserID:        cmd.UserID,
			Reason:        "STORAGE_FAILURE",
		})
		e.reply(cmd, &Result{Err: apperrors.Newf(apperrors.CodeStorageFailure,
			"commit order %d: %v", cmd.OrderID, err)})
		return
	}

	if err := e.book.Apply(result); err != nil {
		e.halt(err.Error())
		e.reply(cmd, &Result{Err: apperrors.Newf(apperrors.CodeEngineHalted,
			"book corrupted for %s: %v", e.symbol, err)})
		return
	}

	if order.OrigQty != order.LeavesQty+result.TakerExecuted {
		e.halt(fmt.Sprintf("quantity conservation violated for order %d", order.OrderID))
		e.reply(cmd, &Result{Err: apperrors.ErrEngineHalted})
		return
	}

	e.emitMatchEvents(order, result)
	e.reply(cmd, &Result{Order: snapshotOrder(order), Trades: result.Trades})
}

func (e *Engine) emitMatchEvents(order *orderbook.Order, result *orderbook.MatchResult) {
	for _, trade := range result.Trades {
		e.emit(EventTradeCreated, &TradeCreatedData{
			TradeID:      trade.TradeID,
			MakerOrderID: trade.MakerOrderID,
			TakerOrderID: trade.TakerOrderID,
			MakerUserID:  trade.MakerUserID,
			TakerUserID:  trade.TakerUserID,
			Price:        trade.Price,
			Qty:          trade.Qty,
			TakerSide:    trade.TakerSide,
			TakerSeq:     trade.Seq,
		})
	}

	for _, fill := range result.Fills {
		maker := fill.Maker
		if maker.Status == orderbook.StatusFilled {
			e.emit(EventOrderFilled, &OrderFilledData{
				OrderID:       maker.OrderID,
				ClientOrderID: maker.ClientOrderID,
				UserID:        maker.UserID,
				ExecutedQty:   maker.OrigQty,
			})
		} else {
			e.emit(EventOrderPartiallyFilled, &OrderPartiallyFilledData{
				OrderID:       maker.OrderID,
				ClientOrderID: maker.ClientOrderID,
				UserID:        maker.UserID,
				ExecutedQty:   maker.ExecutedQty(),
				LeavesQty:     maker.LeavesQty,
			})
		}
	}

	executedQty := order.ExecutedQty()
	switch {
	case order.Status == orderbook.StatusFilled:
		e.emit(EventOrderFilled, &OrderFilledData{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			UserID:        order.UserID,
			ExecutedQty:   executedQty,
		})
	case executedQty > 0:
		e.emit(EventOrderPartiallyFilled, &OrderPartiallyFilledData{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			UserID:        order.UserID,
			ExecutedQty:   executedQty,
			LeavesQty:     order.LeavesQty,
		})
	default:
		e.emit(EventOrderAccepted, &OrderAcceptedData{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			UserID:        order.UserID,
			Side:          order.Side,
			Price:         order.Price,
			Qty:           order.LeavesQty,
			OrderSeq:      order.Seq,
		})
	}
}

func (e *Engine) processCancelOrder(cmd *Command) {
	order := e.book.GetOrder(cmd.OrderID)
	if order == nil {
		// 已成交、已取消或从未存在, 对撮合而言无区别
		e.emit(EventOrderRejected, &OrderRejectedData{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
			UserID:        cmd.UserID,
			Reason:        "ORDER_NOT_FOUND",
		})
		e.reply(cmd, &Result{Err: apperrors.ErrOrderNotFound})
		return
	}

	canceled := *order
	canceled.Status = orderbook.StatusCanceled

	if err := e.committer.CommitCancel(e.ctx, &canceled); err != nil {
		e.reply(cmd, &Result{Err: apperrors.Newf(apperrors.CodeStorageFailure,
			"commit cancel %d: %v", cmd.OrderID, err)})
		return
	}

	e.book.RemoveOrder(cmd.OrderID)
	order.Status = orderbook.StatusCanceled

	e.emit(EventOrderCanceled, &OrderCanceledData{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		UserID:        order.UserID,
		LeavesQty:     order.LeavesQty,
		Reason:        "USER_CANCELED",
	})
	e.reply(cmd, &Result{Order: snapshotOrder(order)})
}

func (e *Engine) reply(cmd *Command, res *Result) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- res:
	default:
	}
}

func (e *Engine) emit(eventType EventType, data interface{}) {
	e.eventSeq++

	event := &Event{
		Type:      eventType,
		Symbol:    e.symbol,
		Seq:       e.eventSeq,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}

	select {
	case e.eventCh <- event:
	case <-e.ctx.Done():
	}
}

// halt 永久停机该 symbol 的撮合, 不在损坏状态下继续
func (e *Engine) halt(reason string) {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	if e.halted.Load() {
		return
	}
	e.haltErr.Store(reason)
	e.halted.Store(true)
	e.cancel()
}

func (e *Engine) haltReason() string {
	if v := e.haltErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func buildCommitRequest(order *orderbook.Order, result *orderbook.MatchResult) *CommitRequest {
	taker := *order
	taker.LeavesQty -= result.TakerExecuted
	switch {
	case taker.LeavesQty == 0:
		taker.Status = orderbook.StatusFilled
	case result.TakerExecuted > 0:
		taker.Status = orderbook.StatusPartiallyFilled
	default:
		taker.Status = orderbook.StatusOpen
	}

	makers := make([]MakerUpdate, 0, len(result.Fills))
	for _, fill := range result.Fills {
		leaves := fill.Maker.LeavesQty - fill.Qty
		status := orderbook.StatusPartiallyFilled
		if leaves == 0 {
			status = orderbook.StatusFilled
		}
		makers = append(makers, MakerUpdate{
			OrderID:   fill.Maker.OrderID,
			LeavesQty: leaves,
			Status:    status,
		})
	}

	return &CommitRequest{
		Taker:  taker,
		Makers: makers,
		Trades: result.Trades,
	}
}

func snapshotOrder(o *orderbook.Order) *orderbook.Order {
	cp := *o
	return &cp
}
