package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/algotrendy/execution-core/internal/config"
	"github.com/algotrendy/execution-core/internal/types"
	"github.com/shopspring/decimal"
)

// Binance implements Adapter against the Binance USD-M futures API.
type Binance struct {
	name    string
	baseURL string
	apiKey  string
	secret  string
	client  *http.Client

	instruments map[string]Instrument
}

// NewBinance creates the adapter from the venue config.
func NewBinance(name string, cfg config.VenueConfig) *Binance {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
		if cfg.Testnet {
			baseURL = "https://testnet.binancefuture.com"
		}
	}
	return &Binance{
		name:    name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey(),
		secret:  cfg.Secret(),
		client:  &http.Client{Timeout: cfg.CallTimeout.Std()},
		instruments: map[string]Instrument{
			"BTC-USDT": {LotStep: decimal.RequireFromString("0.001"), TickSize: decimal.RequireFromString("0.1")},
			"ETH-USDT": {LotStep: decimal.RequireFromString("0.001"), TickSize: decimal.RequireFromString("0.01")},
		},
	}
}

func (b *Binance) Name() string { return b.name }

// binanceOrderType maps the canonical order type to Binance's vocabulary.
// Binance spells the canonical notions differently from Bybit: stop losses
// are a first-class STOP_MARKET type rather than a trigger parameter.
func binanceOrderType(orderType string) string {
	switch orderType {
	case types.TypeLimit:
		return "LIMIT"
	case types.TypeStopLoss:
		return "STOP_MARKET"
	default:
		return "MARKET"
	}
}

func (b *Binance) instrument(symbol string) Instrument {
	inst, ok := b.instruments[symbol]
	if !ok {
		return Instrument{}
	}
	return inst
}

// PlaceOrder implements Adapter.
func (b *Binance) PlaceOrder(ctx context.Context, order *types.Order) (*Ack, error) {
	inst := b.instrument(order.Symbol)
	qty := inst.RoundQuantity(decimal.NewFromFloat(order.Quantity))
	if qty.IsZero() {
		return nil, &types.VenueRejection{
			Venue: b.name, Code: "LOT_SIZE",
			Reason: fmt.Sprintf("quantity %v below lot step for %s", order.Quantity, order.Symbol),
		}
	}

	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(order.Symbol, "-", ""))
	params.Set("side", order.Side) // canonical BUY/SELL matches the wire form
	params.Set("type", binanceOrderType(order.OrderType))
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", order.OrderID)
	switch order.OrderType {
	case types.TypeLimit:
		params.Set("price", inst.RoundPrice(decimal.NewFromFloat(order.LimitPrice)).String())
		params.Set("timeInForce", "GTC")
	case types.TypeStopLoss:
		params.Set("stopPrice", inst.RoundPrice(decimal.NewFromFloat(order.LimitPrice)).String())
	}

	var result struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := b.call(ctx, http.MethodPost, "/fapi/v1/order", params, &result); err != nil {
		return nil, err
	}

	ack := &Ack{VenueOrderID: strconv.FormatInt(result.OrderID, 10)}
	if executed, _ := strconv.ParseFloat(result.ExecutedQty, 64); executed > 0 {
		price, _ := strconv.ParseFloat(result.AvgPrice, 64)
		ack.Fills = append(ack.Fills, types.Fill{
			VenueFillID: ack.VenueOrderID + "-ack",
			OrderID:     order.OrderID,
			Venue:       b.name,
			Symbol:      order.Symbol,
			Quantity:    executed,
			Price:       price,
		})
	}
	return ack, nil
}

// CancelOrder implements Adapter.
func (b *Binance) CancelOrder(ctx context.Context, venueOrderID string) error {
	params := url.Values{}
	params.Set("orderId", venueOrderID)
	return b.call(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

// OpenOrders implements Adapter.
func (b *Binance) OpenOrders(ctx context.Context) ([]VenueOrder, error) {
	var result []struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := b.call(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{}, &result); err != nil {
		return nil, err
	}

	orders := make([]VenueOrder, 0, len(result))
	for _, raw := range result {
		qty, _ := strconv.ParseFloat(raw.OrigQty, 64)
		filled, _ := strconv.ParseFloat(raw.ExecutedQty, 64)
		orders = append(orders, VenueOrder{
			VenueOrderID:   strconv.FormatInt(raw.OrderID, 10),
			Symbol:         canonicalSymbol(raw.Symbol),
			Side:           raw.Side,
			Quantity:       qty,
			FilledQuantity: filled,
		})
	}
	return orders, nil
}

// Positions implements Adapter.
func (b *Binance) Positions(ctx context.Context) ([]VenuePosition, error) {
	var result []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := b.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &result); err != nil {
		return nil, err
	}

	positions := make([]VenuePosition, 0, len(result))
	for _, raw := range result {
		amt, _ := strconv.ParseFloat(raw.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(raw.EntryPrice, 64)
		positions = append(positions, VenuePosition{
			Symbol:      canonicalSymbol(raw.Symbol),
			NetQuantity: amt,
			EntryPrice:  entry,
		})
	}
	return positions, nil
}

// Balance implements Adapter.
func (b *Binance) Balance(ctx context.Context) (decimal.Decimal, error) {
	var result []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := b.call(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &result); err != nil {
		return decimal.Zero, err
	}
	for _, entry := range result {
		if entry.Asset == "USDT" {
			return decimal.NewFromString(entry.Balance)
		}
	}
	return decimal.Zero, nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// call performs one signed request. Binance signs the query string rather
// than the headers-plus-body payload Bybit uses.
func (b *Binance) call(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + signHmacSha256(b.secret, query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var venueErr binanceError
		if err := json.Unmarshal(raw, &venueErr); err == nil && venueErr.Code != 0 {
			return &types.VenueRejection{
				Venue:  b.name,
				Code:   strconv.Itoa(venueErr.Code),
				Reason: venueErr.Msg,
			}
		}
		return &types.AmbiguousOutcome{
			Venue: b.name, Op: method + " " + path,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &types.AmbiguousOutcome{Venue: b.name, Op: method + " " + path, Err: err}
		}
	}
	return nil
}
