package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/shopspring/decimal"
)

const bybitRecvWindow = "5000"

// Bybit implements Adapter against the Bybit v5 unified trading API.
type Bybit struct {
	name    string
	baseURL string
	apiKey  string
	secret  string
	client  *http.Client

	instruments map[string]Instrument
}

// NewBybit creates the adapter from the venue config. Credentials are
// resolved from the environment, never embedded in config files.
func NewBybit(name string, cfg config.VenueConfig) *Bybit {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
		if cfg.Testnet {
			baseURL = "https://api-testnet.bybit.com"
		}
	}
	return &Bybit{
		name:    name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey(),
		secret:  cfg.Secret(),
		client:  &http.Client{Timeout: cfg.CallTimeout.Std()},
		instruments: map[string]Instrument{
			"BTC-USDT": {LotStep: decimal.RequireFromString("0.001"), TickSize: decimal.RequireFromString("0.1")},
			"ETH-USDT": {LotStep: decimal.RequireFromString("0.01"), TickSize: decimal.RequireFromString("0.01")},
		},
	}
}

func (b *Bybit) Name() string { return b.name }

// bybitSymbol translates the canonical "BASE-QUOTE" form to Bybit's
// concatenated wire symbol.
func bybitSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// bybitSide translates the canonical side to Bybit's capitalized vocabulary.
func bybitSide(side string) string {
	if side == types.SideBuy {
		return "Buy"
	}
	return "Sell"
}

// bybitOrderType maps the canonical order type onto Bybit's order vocabulary.
// Stop losses ride as market orders with a trigger price.
func bybitOrderType(orderType string) string {
	if orderType == types.TypeLimit {
		return "Limit"
	}
	return "Market"
}

func (b *Bybit) instrument(symbol string) Instrument {
	inst, ok := b.instruments[symbol]
	if !ok {
		return Instrument{}
	}
	return inst
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// PlaceOrder implements Adapter.
func (b *Bybit) PlaceOrder(ctx context.Context, order *types.Order) (*Ack, error) {
	inst := b.instrument(order.Symbol)
	qty := inst.RoundQuantity(decimal.NewFromFloat(order.Quantity))
	if qty.IsZero() {
		return nil, &types.VenueRejection{
			Venue: b.name, Code: "LOT_SIZE",
			Reason: fmt.Sprintf("quantity %v below lot step for %s", order.Quantity, order.Symbol),
		}
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      bybitSymbol(order.Symbol),
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.OrderType),
		"qty":         qty.String(),
		"orderLinkId": order.OrderID,
	}
	switch order.OrderType {
	case types.TypeLimit:
		params["price"] = inst.RoundPrice(decimal.NewFromFloat(order.LimitPrice)).String()
	case types.TypeStopLoss:
		params["triggerPrice"] = inst.RoundPrice(decimal.NewFromFloat(order.LimitPrice)).String()
		params["orderFilter"] = "StopOrder"
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, http.MethodPost, "/v5/order/create", params, &result); err != nil {
		return nil, err
	}
	return &Ack{VenueOrderID: result.OrderID}, nil
}

// CancelOrder implements Adapter.
func (b *Bybit) CancelOrder(ctx context.Context, venueOrderID string) error {
	params := map[string]string{
		"category": "linear",
		"orderId":  venueOrderID,
	}
	return b.call(ctx, http.MethodPost, "/v5/order/cancel", params, nil)
}

// OpenOrders implements Adapter.
func (b *Bybit) OpenOrders(ctx context.Context) ([]VenueOrder, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if err := b.call(ctx, http.MethodGet, "/v5/order/realtime", params, &result); err != nil {
		return nil, err
	}

	orders := make([]VenueOrder, 0, len(result.List))
	for _, raw := range result.List {
		qty, _ := strconv.ParseFloat(raw.Qty, 64)
		filled, _ := strconv.ParseFloat(raw.CumExecQty, 64)
		orders = append(orders, VenueOrder{
			VenueOrderID:   raw.OrderID,
			Symbol:         canonicalSymbol(raw.Symbol),
			Side:           strings.ToUpper(raw.Side),
			Quantity:       qty,
			FilledQuantity: filled,
		})
	}
	return orders, nil
}

// Positions implements Adapter.
func (b *Bybit) Positions(ctx context.Context) ([]VenuePosition, error) {
	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
		} `json:"list"`
	}
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if err := b.call(ctx, http.MethodGet, "/v5/position/list", params, &result); err != nil {
		return nil, err
	}

	positions := make([]VenuePosition, 0, len(result.List))
	for _, raw := range result.List {
		size, _ := strconv.ParseFloat(raw.Size, 64)
		entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		if size == 0 {
			continue
		}
		if strings.EqualFold(raw.Side, "Sell") {
			size = -size
		}
		positions = append(positions, VenuePosition{
			Symbol:      canonicalSymbol(raw.Symbol),
			NetQuantity: size,
			EntryPrice:  entry,
		})
	}
	return positions, nil
}

// Balance implements Adapter.
func (b *Bybit) Balance(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		List []struct {
			TotalWalletBalance string `json:"totalWalletBalance"`
		} `json:"list"`
	}
	params := map[string]string{"accountType": "UNIFIED"}
	if err := b.call(ctx, http.MethodGet, "/v5/account/wallet-balance", params, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(result.List[0].TotalWalletBalance)
}

// call performs one signed request. Transport failures and timeouts surface
// as *types.AmbiguousOutcome; venue error codes as *types.VenueRejection.
func (b *Bybit) call(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	var body []byte
	var query string
	if method == http.MethodGet {
		pairs := make([]string, 0, len(params))
		for k, v := range params {
			pairs = append(pairs, k+"="+v)
		}
		query = strings.Join(pairs, "&")
	} else {
		body, _ = json.Marshal(params)
	}

	url := b.baseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := timestamp + b.apiKey + bybitRecvWindow + query + string(body)
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", signHmacSha256(b.secret, payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
	}

	var envelope bybitResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
	}
	if envelope.RetCode != 0 {
		return &types.VenueRejection{
			Venue:  b.name,
			Code:   strconv.Itoa(envelope.RetCode),
			Reason: envelope.RetMsg,
		}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
		}
	}
	return nil
}

// signHmacSha256 computes the hex HMAC-SHA256 signature venues authenticate
// requests with.
func signHmacSha256(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalSymbol translates a concatenated venue symbol back to the
// canonical "BASE-QUOTE" form for the quote assets the engine trades.
func canonicalSymbol(venueSymbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(venueSymbol, quote) && len(venueSymbol) > len(quote) {
			return venueSymbol[:len(venueSymbol)-len(quote)] + "-" + quote
		}
	}
	return venueSymbol
}
