package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/order"
)

// BinanceExchange talks to the Binance USDⓈ-M futures REST API.
type BinanceExchange struct {
	baseURL  string
	apiKey   string
	secret   string
	client   *http.Client
	notifier notifier.Notifier
}

func NewBinanceExchange(baseURL, apiKey, secret string, n notifier.Notifier) Exchange {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &BinanceExchange{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		secret:   secret,
		client:   &http.Client{Timeout: 15 * time.Second},
		notifier: n,
	}
}

func (b *BinanceExchange) Name() string {
	return "binance-futures"
}

// apiError is the error payload shape returned by the futures API.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceExchange) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			code := strconv.Itoa(apiErr.Code)
			return &RejectionError{Code: code, Kind: ClassifyRejection(code), Message: apiErr.Msg}
		}
		return fmt.Errorf("binance %s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("binance %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// binanceOrder is the order payload shape shared by order endpoints.
type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o binanceOrder) toOrderResponse() order.OrderResponse {
	return order.OrderResponse{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        strings.ToUpper(o.Status),
		FilledQty:     parseFloat(o.ExecutedQty),
		AvgPrice:      parseFloat(o.AvgPrice),
		Timestamp:     time.UnixMilli(o.UpdateTime).UTC(),
		Symbol:        o.Symbol,
		Side:          strings.ToLower(o.Side),
		Type:          strings.ToLower(o.Type),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		Quantity:      parseFloat(o.OrigQty),
		ReduceOnly:    o.ReduceOnly,
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func (b *BinanceExchange) SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	select {
	case <-ctx.Done():
		log.Printf("Exchange | %s SubmitOrder timeout", b.Name())
		return order.OrderResponse{}, ctx.Err()

	default:
		params := url.Values{}
		params.Set("symbol", strings.ToUpper(req.Symbol))
		params.Set("side", strings.ToUpper(req.Side))
		params.Set("type", binanceOrderType(req.Type))
		params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', 8, 64))
		if req.Price > 0 && req.Type == "limit" {
			params.Set("price", strconv.FormatFloat(req.Price, 'f', 8, 64))
			tif := req.TimeInForce
			if tif == "" {
				tif = "GTC"
			}
			params.Set("timeInForce", tif)
		}
		if req.StopPrice > 0 {
			params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', 8, 64))
		}
		if req.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		if req.ClientOrderID != "" {
			params.Set("newClientOrderId", req.ClientOrderID)
		}

		var resp binanceOrder
		if err := b.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
			return order.OrderResponse{}, err
		}
		return resp.toOrderResponse(), nil
	}
}

func (b *BinanceExchange) SubmitOrderWithRetry(ctx context.Context, req order.OrderRequest, maxAttempts int, delay time.Duration) (order.OrderResponse, error) {
	var resp order.OrderResponse
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err = b.SubmitOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		// Configuration mismatches will fail identically on every retry.
		if rej, ok := IsRejection(err); ok && rej.Kind == RejectionConfiguration {
			return resp, err
		}
		log.Printf("Exchange | %s Order submission failed (attempt %d/%d): %v", b.Name(), attempt, maxAttempts, err)
		if b.notifier != nil {
			msg := fmt.Sprintf("Order submission failed (attempt %d/%d): %v", attempt, maxAttempts, err)
			b.notifier.SendWithRetry(msg)
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return resp, err
}

// CancelOrder cancels an order, treating "already gone" as success.
func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	select {
	case <-ctx.Done():
		log.Printf("Exchange | %s CancelOrder timeout", b.Name())
		return ctx.Err()

	default:
		params := url.Values{}
		params.Set("symbol", strings.ToUpper(symbol))
		params.Set("orderId", orderID)

		err := b.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
		if err != nil {
			if rej, ok := IsRejection(err); ok && rej.Code == "-2011" {
				// Already canceled or filled on the exchange side.
				log.Printf("Exchange | %s Cancel of %s was a no-op: %v", b.Name(), orderID, rej.Message)
				return nil
			}
			return err
		}
		return nil
	}
}

func (b *BinanceExchange) OpenOrders(ctx context.Context, symbol string) ([]order.OrderResponse, error) {
	select {
	case <-ctx.Done():
		log.Printf("Exchange | %s OpenOrders timeout", b.Name())
		return nil, ctx.Err()

	default:
		params := url.Values{}
		params.Set("symbol", strings.ToUpper(symbol))

		var resp []binanceOrder
		if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &resp); err != nil {
			return nil, err
		}
		orders := make([]order.OrderResponse, 0, len(resp))
		for _, o := range resp {
			orders = append(orders, o.toOrderResponse())
		}
		return orders, nil
	}
}

func (b *BinanceExchange) Position(ctx context.Context, symbol string) (PositionInfo, error) {
	select {
	case <-ctx.Done():
		log.Printf("Exchange | %s Position timeout", b.Name())
		return PositionInfo{}, ctx.Err()

	default:
		params := url.Values{}
		params.Set("symbol", strings.ToUpper(symbol))

		var resp []struct {
			Symbol      string `json:"symbol"`
			PositionAmt string `json:"positionAmt"`
			EntryPrice  string `json:"entryPrice"`
			UpdateTime  int64  `json:"updateTime"`
		}
		if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &resp); err != nil {
			return PositionInfo{}, err
		}

		info := PositionInfo{Symbol: strings.ToUpper(symbol)}
		for _, p := range resp {
			amt := parseFloat(p.PositionAmt)
			if amt == 0 {
				continue
			}
			info.EntryPrice = parseFloat(p.EntryPrice)
			info.UpdatedAt = time.UnixMilli(p.UpdateTime).UTC()
			if amt > 0 {
				info.Side = "long"
				info.Quantity = amt
			} else {
				info.Side = "short"
				info.Quantity = -amt
			}
		}
		return info, nil
	}
}

func (b *BinanceExchange) PositionMode(ctx context.Context) (PositionMode, error) {
	select {
	case <-ctx.Done():
		log.Printf("Exchange | %s PositionMode timeout", b.Name())
		return "", ctx.Err()

	default:
		var resp struct {
			DualSidePosition bool `json:"dualSidePosition"`
		}
		if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", url.Values{}, &resp); err != nil {
			return "", err
		}
		if resp.DualSidePosition {
			return Hedge, nil
		}
		return OneWay, nil
	}
}

func binanceOrderType(t string) string {
	switch t {
	case "stop-market":
		return "STOP_MARKET"
	case "take-profit-market":
		return "TAKE_PROFIT_MARKET"
	case "limit":
		return "LIMIT"
	default:
		return "MARKET"
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
