// Package service 下单/撤单/快照门面
package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/sequence"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/logger"
	"github.com/exchange/matching/pkg/snowflake"
)

// SubmitRequest 下单请求
type SubmitRequest struct {
	Symbol        string
	Side          string // BUY / SELL
	Price         int64  // 最小单位整数
	Qty           int64
	UserID        int64
	OrderID       int64  // 0 时由服务生成
	ClientOrderID string // 空时由服务生成
}

// Service 对外暴露的撮合服务门面。
//
// 校验在定序之前完成: 非法请求不产生任何副作用。所有簿变更
// 都经由对应 symbol 的引擎协程执行。
type Service struct {
	engines map[string]*engine.Engine
	idGen   *snowflake.Generator
	log     *logger.Logger
}

type Config struct {
	Symbols         []string
	Sequencer       *sequence.Sequencer
	Committer       engine.Committer
	IDGen           *snowflake.Generator
	CmdBufferSize   int
	EventBufferSize int
	Logger          *logger.Logger
}

// New 为每个配置的 symbol 创建并启动一个引擎
func New(cfg *Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching", nil)
	}

	engines := make(map[string]*engine.Engine, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		eng := engine.NewEngine(symbol, cfg.Sequencer, cfg.Committer,
			cfg.CmdBufferSize, cfg.EventBufferSize)
		eng.Start()
		engines[symbol] = eng
	}

	return &Service{
		engines: engines,
		idGen:   cfg.IDGen,
		log:     log,
	}
}

// EngineFor 查找 symbol 对应引擎
func (s *Service) EngineFor(symbol string) (*engine.Engine, bool) {
	eng, ok := s.engines[symbol]
	return eng, ok
}

// Engines 返回全部引擎
func (s *Service) Engines() []*engine.Engine {
	out := make([]*engine.Engine, 0, len(s.engines))
	for _, eng := range s.engines {
		out = append(out, eng)
	}
	return out
}

// Symbols 返回已配置的交易对
func (s *Service) Symbols() []string {
	out := make([]string, 0, len(s.engines))
	for symbol := range s.engines {
		out = append(out, symbol)
	}
	return out
}

// SubmitOrder 同步下单: 返回订单终态与产生的成交。
func (s *Service) SubmitOrder(ctx context.Context, req *SubmitRequest) (*orderbook.Order, []*orderbook.Trade, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	eng, ok := s.engines[symbol]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeSymbolNotFound, "unknown symbol %q", req.Symbol)
	}

	side, err := parseSide(req.Side)
	if err != nil {
		return nil, nil, err
	}
	if req.Price <= 0 {
		return nil, nil, apperrors.Newf(apperrors.CodeInvalidPrice, "price must be positive, got %d", req.Price)
	}
	if req.Qty <= 0 {
		return nil, nil, apperrors.Newf(apperrors.CodeInvalidQuantity, "quantity must be positive, got %d", req.Qty)
	}

	orderID := req.OrderID
	if orderID == 0 {
		orderID, err = s.idGen.Generate()
		if err != nil {
			return nil, nil, apperrors.Newf(apperrors.CodeInternal, "generate order id: %v", err)
		}
	}
	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	reply := make(chan *engine.Result, 1)
	cmd := &engine.Command{
		Type:          engine.CmdNewOrder,
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		UserID:        req.UserID,
		Symbol:        symbol,
		Side:          side,
		Price:         req.Price,
		Qty:           req.Qty,
		Reply:         reply,
	}

	if err := eng.Submit(cmd); err != nil {
		return nil, nil, err
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		return res.Order, res.Trades, nil
	case <-ctx.Done():
		// 命令已入队, 撮合仍会完成; 只是调用方不再等待
		return nil, nil, apperrors.Newf(apperrors.CodeTimeout, "order %d accepted but reply timed out", orderID)
	}
}

// CancelOrder 同步撤单。symbol 为空时在全部引擎中查找。
// 已成交或已撤销的订单返回 ORDER_NOT_FOUND 且无副作用。
func (s *Service) CancelOrder(ctx context.Context, symbol string, orderID int64) (*orderbook.Order, error) {
	eng, err := s.resolveEngine(symbol, orderID)
	if err != nil {
		return nil, err
	}

	reply := make(chan *engine.Result, 1)
	cmd := &engine.Command{
		Type:    engine.CmdCancelOrder,
		OrderID: orderID,
		Symbol:  eng.Symbol(),
		Reply:   reply,
	}

	if err := eng.Submit(cmd); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Order, nil
	case <-ctx.Done():
		return nil, apperrors.Newf(apperrors.CodeTimeout, "cancel %d reply timed out", orderID)
	}
}

func (s *Service) resolveEngine(symbol string, orderID int64) (*engine.Engine, error) {
	if symbol != "" {
		eng, ok := s.engines[strings.ToUpper(strings.TrimSpace(symbol))]
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeSymbolNotFound, "unknown symbol %q", symbol)
		}
		return eng, nil
	}
	// 簿内查找只是路由提示; 最终判定仍在引擎协程内完成
	for _, eng := range s.engines {
		if bids, asks := eng.Book(); containsOrder(bids, orderID) || containsOrder(asks, orderID) {
			return eng, nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

// GetBook 返回两侧全部挂单的一致快照
func (s *Service) GetBook(symbol string) (bids, asks []orderbook.Order, err error) {
	eng, ok := s.engines[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeSymbolNotFound, "unknown symbol %q", symbol)
	}
	bids, asks = eng.Book()
	return bids, asks, nil
}

// Depth 返回聚合深度
func (s *Service) Depth(symbol string, limit int) (bids, asks []orderbook.PriceQty, err error) {
	eng, ok := s.engines[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeSymbolNotFound, "unknown symbol %q", symbol)
	}
	bids, asks = eng.Depth(limit)
	return bids, asks, nil
}

// Stop 停止全部引擎
func (s *Service) Stop() {
	for _, eng := range s.engines {
		eng.Stop()
	}
}

func parseSide(side string) (orderbook.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY":
		return orderbook.SideBuy, nil
	case "SELL":
		return orderbook.SideSell, nil
	default:
		return 0, apperrors.Newf(apperrors.CodeInvalidSide, "invalid side %q", side)
	}
}

func containsOrder(orders []orderbook.Order, orderID int64) bool {
	for i := range orders {
		if orders[i].OrderID == orderID {
			return true
		}
	}
	return false
}
