// Package orderbook 订单簿实现
package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// Status 订单状态
type Status int

const (
	StatusOpen            Status = 1
	StatusPartiallyFilled Status = 2
	StatusFilled          Status = 3
	StatusCanceled        Status = 4
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Order 订单
//
// Seq 是全局序列号, 入簿后不再变化: 部分成交的挂单保留原有
// 时间优先级。LeavesQty 只由撮合与撤单修改。
type Order struct {
	OrderID       int64
	UserID        int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Price         int64 // 最小单位整数
	OrigQty       int64 // 原始数量
	LeavesQty     int64 // 剩余数量
	Seq           int64 // 全局序列号, 时间优先级依据
	Status        Status
	Timestamp     int64 // 纳秒时间戳
	element       *list.Element
}

// ExecutedQty 已成交数量
func (o *Order) ExecutedQty() int64 {
	return o.OrigQty - o.LeavesQty
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order, 按 Seq 先后排队
	Total  int64      // 该档位总剩余数量
}

// OrderBook 订单簿
//
// 写操作全部来自该 symbol 的撮合引擎协程(单写者)；读操作通过
// 读锁取一致快照。
type OrderBook struct {
	Symbol string

	// 买盘：价格降序（高价优先）
	bids map[int64]*PriceLevel
	// 卖盘：价格升序（低价优先）
	asks map[int64]*PriceLevel

	// 订单索引
	orders map[int64]*Order

	// 价格排序缓存
	bidPrices []int64
	askPrices []int64

	mu sync.RWMutex
}

// NewOrderBook 创建订单簿
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol:    symbol,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		orders:    make(map[int64]*Order),
		bidPrices: make([]int64, 0),
		askPrices: make([]int64, 0),
	}
}

// AddOrder 添加挂单, 校验失败返回 ErrInvalidOrder/ErrDuplicateOrder
func (ob *OrderBook) AddOrder(order *Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return ob.addOrderLocked(order)
}

func (ob *OrderBook) addOrderLocked(order *Order) error {
	if order == nil || order.Price <= 0 || order.OrigQty <= 0 ||
		order.LeavesQty <= 0 || order.LeavesQty > order.OrigQty {
		return ErrInvalidOrder
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return ErrInvalidOrder
	}
	if _, exists := ob.orders[order.OrderID]; exists {
		return ErrDuplicateOrder
	}

	if order.Timestamp == 0 {
		order.Timestamp = time.Now().UnixNano()
	}
	if order.LeavesQty < order.OrigQty {
		order.Status = StatusPartiallyFilled
	} else {
		order.Status = StatusOpen
	}

	var levels map[int64]*PriceLevel
	var prices *[]int64
	if order.Side == SideBuy {
		levels = ob.bids
		prices = &ob.bidPrices
	} else {
		levels = ob.asks
		prices = &ob.askPrices
	}

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.LeavesQty
	ob.orders[order.OrderID] = order
	return nil
}

// RemoveOrder 从订单簿移除订单, 不存在时返回 nil
func (ob *OrderBook) RemoveOrder(orderID int64) *Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return ob.removeOrderLocked(orderID)
}

func (ob *OrderBook) removeOrderLocked(orderID int64) *Order {
	order, exists := ob.orders[orderID]
	if !exists {
		return nil
	}

	var levels map[int64]*PriceLevel
	var prices *[]int64
	if order.Side == SideBuy {
		levels = ob.bids
		prices = &ob.bidPrices
	} else {
		levels = ob.asks
		prices = &ob.askPrices
	}

	level := levels[order.Price]
	if level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.LeavesQty

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price, order.Side == SideBuy)
		}
	}

	order.element = nil
	delete(ob.orders, orderID)
	return order
}

// GetOrder 获取挂单, 仅供单写者协程使用
func (ob *OrderBook) GetOrder(orderID int64) *Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.orders[orderID]
}

// Len 当前挂单总数
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

// BestBid 最优买价
func (ob *OrderBook) BestBid() (int64, int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if len(ob.bidPrices) == 0 {
		return 0, 0, false
	}
	price := ob.bidPrices[0]
	level := ob.bids[price]
	return price, level.Total, true
}

// BestAsk 最优卖价
func (ob *OrderBook) BestAsk() (int64, int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if len(ob.askPrices) == 0 {
		return 0, 0, false
	}
	price := ob.askPrices[0]
	level := ob.asks[price]
	return price, level.Total, true
}

// PeekTop 返回一侧最优档位的队首挂单, 空側返回 nil
func (ob *OrderBook) PeekTop(side Side) *Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.peekTopLocked(side)
}

func (ob *OrderBook) peekTopLocked(side Side) *Order {
	var prices []int64
	var levels map[int64]*PriceLevel
	if side == SideBuy {
		prices = ob.bidPrices
		levels = ob.bids
	} else {
		prices = ob.askPrices
		levels = ob.asks
	}
	if len(prices) == 0 {
		return nil
	}
	level := levels[prices[0]]
	if level == nil || level.Orders.Len() == 0 {
		return nil
	}
	return level.Orders.Front().Value.(*Order)
}

// PopTop 移除并返回一侧最优档位的队首挂单
func (ob *OrderBook) PopTop(side Side) *Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	top := ob.peekTopLocked(side)
	if top == nil {
		return nil
	}
	return ob.removeOrderLocked(top.OrderID)
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Depth 获取聚合深度
func (ob *OrderBook) Depth(limit int) (bids, asks []PriceQty) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]PriceQty, 0, limit)
	asks = make([]PriceQty, 0, limit)

	for i := 0; i < len(ob.bidPrices) && i < limit; i++ {
		price := ob.bidPrices[i]
		level := ob.bids[price]
		bids = append(bids, PriceQty{Price: price, Qty: level.Total})
	}

	for i := 0; i < len(ob.askPrices) && i < limit; i++ {
		price := ob.askPrices[i]
		level := ob.asks[price]
		asks = append(asks, PriceQty{Price: price, Qty: level.Total})
	}

	return
}

// Snapshot 返回两侧全部挂单的值拷贝, 按撮合优先级排序。
// 读锁只在拷贝期间持有。
func (ob *OrderBook) Snapshot() (bids, asks []Order) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]Order, 0, 64)
	asks = make([]Order, 0, 64)

	for _, price := range ob.bidPrices {
		level := ob.bids[price]
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			o := *e.Value.(*Order)
			o.element = nil
			bids = append(bids, o)
		}
	}
	for _, price := range ob.askPrices {
		level := ob.asks[price]
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			o := *e.Value.(*Order)
			o.element = nil
			asks = append(asks, o)
		}
	}
	return
}

// Trade 成交
type Trade struct {
	TradeID      int64
	Symbol       string
	MakerOrderID int64
	TakerOrderID int64
	MakerUserID  int64
	TakerUserID  int64
	Price        int64 // 成交价 = maker 挂单价
	Qty          int64
	TakerSide    Side
	Seq          int64 // 触发成交的 taker 订单序列号
	Timestamp    int64
}

// MakerFill 计划中的被动方成交量
type MakerFill struct {
	Maker *Order
	Qty   int64
}

// MatchResult 撮合计划
//
// Match 只计算不落簿; 持久化成功后由 Apply 一次性应用,
// 失败则直接丢弃, 订单簿保持未变。
type MatchResult struct {
	Taker         *Order
	Trades        []*Trade
	Fills         []MakerFill
	TakerExecuted int64
	TakerFilled   bool
}

// Match 计算 taker 与订单簿的撮合计划。
//
// 价格优先、同价按序列号先后(档位内 FIFO 即序列号顺序)。
// 成交价取 maker 挂单价。nextID 为每笔成交分配 TradeID。
func (ob *OrderBook) Match(taker *Order, nextID func() int64) *MatchResult {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	result := &MatchResult{
		Taker:  taker,
		Trades: make([]*Trade, 0),
		Fills:  make([]MakerFill, 0),
	}

	var levels map[int64]*PriceLevel
	var prices []int64
	var canMatch func(makerPrice int64) bool

	if taker.Side == SideBuy {
		levels = ob.asks
		prices = ob.askPrices
		canMatch = func(makerPrice int64) bool { return makerPrice <= taker.Price }
	} else {
		levels = ob.bids
		prices = ob.bidPrices
		canMatch = func(makerPrice int64) bool { return makerPrice >= taker.Price }
	}

	now := time.Now().UnixNano()
	remaining := taker.LeavesQty

	for _, bestPrice := range prices {
		if remaining <= 0 || !canMatch(bestPrice) {
			break
		}

		level := levels[bestPrice]
		for e := level.Orders.Front(); e != nil && remaining > 0; e = e.Next() {
			maker := e.Value.(*Order)

			matchQty := min(remaining, maker.LeavesQty)

			trade := &Trade{
				TradeID:      nextID(),
				Symbol:       ob.Symbol,
				MakerOrderID: maker.OrderID,
				TakerOrderID: taker.OrderID,
				MakerUserID:  maker.UserID,
				TakerUserID:  taker.UserID,
				Price:        maker.Price, // 成交价为 maker 价格
				Qty:          matchQty,
				TakerSide:    taker.Side,
				Seq:          taker.Seq,
				Timestamp:    now,
			}
			result.Trades = append(result.Trades, trade)
			result.Fills = append(result.Fills, MakerFill{Maker: maker, Qty: matchQty})

			remaining -= matchQty
		}
	}

	result.TakerExecuted = taker.LeavesQty - remaining
	result.TakerFilled = remaining == 0
	return result
}

// Apply 应用撮合计划: 扣减 maker、移除吃光的档位、挂入 taker 剩余。
// 整个应用在一次写锁内完成, 读者看不到半更新状态。
// 数量不一致说明簿已损坏, 返回错误由引擎停机处理。
func (ob *OrderBook) Apply(result *MatchResult) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	for _, fill := range result.Fills {
		maker := fill.Maker
		if fill.Qty <= 0 || maker.LeavesQty < fill.Qty {
			return fmt.Errorf("fill qty %d exceeds maker %d leaves %d",
				fill.Qty, maker.OrderID, maker.LeavesQty)
		}

		maker.LeavesQty -= fill.Qty

		levels := ob.asks
		if maker.Side == SideBuy {
			levels = ob.bids
		}
		if level := levels[maker.Price]; level != nil {
			level.Total -= fill.Qty
		}

		if maker.LeavesQty == 0 {
			maker.Status = StatusFilled
			ob.removeOrderLocked(maker.OrderID)
		} else {
			maker.Status = StatusPartiallyFilled
		}
	}

	taker := result.Taker
	if result.TakerExecuted < 0 || result.TakerExecuted > taker.LeavesQty {
		return fmt.Errorf("taker %d executed %d exceeds leaves %d",
			taker.OrderID, result.TakerExecuted, taker.LeavesQty)
	}
	taker.LeavesQty -= result.TakerExecuted

	if taker.LeavesQty == 0 {
		taker.Status = StatusFilled
		return nil
	}
	return ob.addOrderLocked(taker)
}

// insertPrice 二分插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := sort.Search(len(prices), func(i int) bool {
		if descending {
			return prices[i] < price
		}
		return prices[i] > price
	})

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 二分定位并移除价格
func removePrice(prices []int64, price int64, descending bool) []int64 {
	i := sort.Search(len(prices), func(i int) bool {
		if descending {
			return prices[i] <= price
		}
		return prices[i] >= price
	})
	if i < len(prices) && prices[i] == price {
		return append(prices[:i], prices[i+1:]...)
	}
	return prices
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
