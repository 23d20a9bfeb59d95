// Package api HTTP 下单/撤单/查询接口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/service"
	pkgdecimal "github.com/exchange/matching/pkg/decimal"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/logger"
)

// 价格/数量最小单位: 10^-8
const pricePrecision = pkgdecimal.DefaultPrecision

// Handler REST 接口
type Handler struct {
	svc *service.Service
	log *logger.Logger
}

func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.New("matching", nil)
	}
	return &Handler{svc: svc, log: log}
}

// SubmitOrderRequest 下单请求体
type SubmitOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`  // BUY / SELL
	Price         string `json:"price"` // 十进制字符串
	Qty           string `json:"qty"`
	UserID        int64  `json:"userId"`
	ClientOrderID string `json:"clientOrderId"`
}

// OrderResponse 订单视图
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	UserID        int64  `json:"userId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	LeavesQty     string `json:"leavesQty"`
	Seq           int64  `json:"seq"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

// TradeResponse 成交视图
type TradeResponse struct {
	TradeID      int64  `json:"tradeId"`
	Symbol       string `json:"symbol"`
	MakerOrderID int64  `json:"makerOrderId"`
	TakerOrderID int64  `json:"takerOrderId"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	TakerSide    string `json:"takerSide"`
	Seq          int64  `json:"seq"`
	Timestamp    int64  `json:"timestamp"`
}

// SubmitOrder 处理 POST /v1/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidParam, "invalid request body"))
		return
	}

	price, err := pkgdecimal.ParseScaled(req.Price, pricePrecision)
	if err != nil {
		writeError(w, apperrors.Newf(apperrors.CodeInvalidPrice, "invalid price %q", req.Price))
		return
	}
	qty, err := pkgdecimal.ParseScaled(req.Qty, pricePrecision)
	if err != nil {
		writeError(w, apperrors.Newf(apperrors.CodeInvalidQuantity, "invalid qty %q", req.Qty))
		return
	}

	ctx, cancel := timeoutContext(r)
	defer cancel()

	order, trades, err := h.svc.SubmitOrder(ctx, &service.SubmitRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         price,
		Qty:           qty,
		UserID:        req.UserID,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	tradeViews := make([]*TradeResponse, 0, len(trades))
	for _, t := range trades {
		tradeViews = append(tradeViews, tradeResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":  orderResponse(order),
		"trades": tradeViews,
	})
}

// CancelOrder 处理 DELETE /v1/orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orderID, err := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, apperrors.New(apperrors.CodeInvalidParam, "orderId required"))
		return
	}
	symbol := r.URL.Query().Get("symbol")

	ctx, cancel := timeoutContext(r)
	defer cancel()

	order, err := h.svc.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order": orderResponse(order),
	})
}

// Orders 按方法分发 /v1/orders
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.SubmitOrder(w, r)
	case http.MethodDelete:
		h.CancelOrder(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Book 处理 GET /v1/book
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidParam, "symbol required"))
		return
	}

	bids, asks, err := h.svc.GetBook(symbol)
	if err != nil {
		writeError(w, err)
		return
	}

	bidViews := make([]*OrderResponse, 0, len(bids))
	for i := range bids {
		bidViews = append(bidViews, orderResponse(&bids[i]))
	}
	askViews := make([]*OrderResponse, 0, len(asks))
	for i := range asks {
		askViews = append(askViews, orderResponse(&asks[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bids":   bidViews,
		"asks":   askViews,
	})
}

// Depth 处理 GET /v1/depth
func (h *Handler) Depth(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidParam, "symbol required"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, apperrors.New(apperrors.CodeInvalidParam, "invalid limit"))
			return
		}
		limit = n
	}

	bids, asks, err := h.svc.Depth(symbol, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bids":   depthLevels(bids),
		"asks":   depthLevels(asks),
	})
}

func depthLevels(levels []orderbook.PriceQty) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, [2]string{
			pkgdecimal.FormatScaled(lvl.Price, pricePrecision),
			pkgdecimal.FormatScaled(lvl.Qty, pricePrecision),
		})
	}
	return out
}

func orderResponse(o *orderbook.Order) *OrderResponse {
	return &OrderResponse{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
		Side:          sideString(o.Side),
		Price:         pkgdecimal.FormatScaled(o.Price, pricePrecision),
		OrigQty:       pkgdecimal.FormatScaled(o.OrigQty, pricePrecision),
		ExecutedQty:   pkgdecimal.FormatScaled(o.ExecutedQty(), pricePrecision),
		LeavesQty:     pkgdecimal.FormatScaled(o.LeavesQty, pricePrecision),
		Seq:           o.Seq,
		Status:        statusString(o.Status),
		Timestamp:     o.Timestamp,
	}
}

func tradeResponse(t *orderbook.Trade) *TradeResponse {
	return &TradeResponse{
		TradeID:      t.TradeID,
		Symbol:       t.Symbol,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Price:        pkgdecimal.FormatScaled(t.Price, pricePrecision),
		Qty:          pkgdecimal.FormatScaled(t.Qty, pricePrecision),
		TakerSide:    sideString(t.TakerSide),
		Seq:          t.Seq,
		Timestamp:    t.Timestamp,
	}
}

func sideString(s orderbook.Side) string {
	if s == orderbook.SideBuy {
		return "BUY"
	}
	return "SELL"
}

func statusString(s orderbook.Status) string {
	switch s {
	case orderbook.StatusOpen:
		return "OPEN"
	case orderbook.StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case orderbook.StatusFilled:
		return "FILLED"
	case orderbook.StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func timeoutContext(r *http.Request) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.New(apperrors.CodeInternal, "internal error")
	}
	writeJSON(w, appErr.HTTPStatus(), map[string]interface{}{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}
