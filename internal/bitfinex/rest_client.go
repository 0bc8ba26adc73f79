package bitfinex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/models"
)

const (
	// statusIndex is the position of the status field in Bitfinex write
	// notifications: [MTS, TYPE, MESSAGE_ID, null, DATA, CODE, STATUS, TEXT].
	statusIndex = 6

	derivWalletType = "deriv"
)

// APIError is returned when a request exhausts its retry budget. RetryCount
// is the number of attempts that were made.
type APIError struct {
	Message    string
	RetryCount int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitfinex: %s after %d attempts: %v", e.Message, e.RetryCount, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Candle is one OHLCV bar from the public candles endpoint.
type Candle struct {
	Timestamp int64
	Open      float64
	Close     float64
	High      float64
	Low       float64
	Volume    float64
}

// AccountInfo is an aggregate view of the derivatives account.
type AccountInfo struct {
	TotalEquity      decimal.Decimal
	TotalMargin      decimal.Decimal
	AvailableBalance decimal.Decimal
	PositionCount    int
}

// ExchangeClient defines the exchange operations the risk engine consumes.
type ExchangeClient interface {
	GetPositions() ([]models.Position, error)
	GetAvailableBalance() (decimal.Decimal, error)
	GetAccountInfo() (*AccountInfo, error)
	UpdatePositionMargin(fullSymbol string, delta decimal.Decimal) (bool, error)
	ClosePosition(fullSymbol string, side models.PositionSide, quantity decimal.Decimal) (bool, error)
	GetCandles(fullSymbol, timeframe string, limit int) ([]Candle, error)
	FullSymbol(symbol string) string
}

// RestClient is a client for the Bitfinex v2 REST API.
// It implements the ExchangeClient interface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	apiSecret string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure RestClient implements the interface
var _ ExchangeClient = (*RestClient)(nil)

// NewRestClient creates a new Bitfinex REST API client.
func NewRestClient(cfg *config.Bitfinex, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		apiSecret: cfg.ApiSecret,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates an HMAC-SHA384 signature over "/api" + path + nonce + body.
func (c *RestClient) sign(path, nonce, body string) string {
	h := hmac.New(sha512.New384, []byte(c.apiSecret))
	h.Write([]byte("/api" + path + nonce + body))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest handles request execution with rate limiting and retry logic.
// Authenticated requests are re-signed with a fresh nonce on every attempt.
func (c *RestClient) doRequest(method, path string, body any, authed bool) ([]byte, error) {
	var lastErr error
	const maxRetries = 5

	ctx := context.Background()

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		req := c.client.R().SetHeader("Content-Type", "application/json")

		if authed {
			bodyJSON := "{}"
			if body != nil {
				raw, err := json.Marshal(body)
				if err != nil {
					return nil, fmt.Errorf("failed to encode request body: %w", err)
				}
				bodyJSON = string(raw)
			}
			nonce := fmt.Sprintf("%d", time.Now().UnixMicro())
			req.SetHeader("bfx-nonce", nonce).
				SetHeader("bfx-apikey", c.apiKey).
				SetHeader("bfx-signature", c.sign(path, nonce, bodyJSON)).
				SetBody(bodyJSON)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp.Body(), nil // Success
		}

		// Client errors other than 429 will not get better on retry.
		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			lastErr = fmt.Errorf("status %s: %s", resp.Status(), resp.String())
		} else {
			lastErr = err
		}

		// Exponential backoff: 1s, 2s, 4s, ...
		retryAfter := time.Duration(math.Pow(2, float64(i))) * time.Second

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &APIError{Message: "request to " + path + " failed", RetryCount: maxRetries, Err: lastErr}
}

// decodeArray decodes a heterogeneous Bitfinex JSON array, keeping numbers as
// json.Number so monetary values survive the trip into decimal untouched.
func decodeArray(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response array: %w", err)
	}
	return out, nil
}

func toDecimal(v any) decimal.Decimal {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(n)
	}
	return decimal.Zero
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f
		}
	case float64:
		return n
	}
	return 0
}

func toInt(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return int(i)
		}
		f, err := n.Float64()
		if err == nil {
			return int(f)
		}
	case float64:
		return int(n)
	}
	return 0
}

// bareSymbol extracts the base asset from a derivative pair symbol,
// e.g. "tBTCF0:USTF0" -> "BTC".
func bareSymbol(fullSymbol string) string {
	s := strings.TrimPrefix(fullSymbol, "t")
	if idx := strings.Index(s, "F0"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// parsePosition maps a raw Bitfinex position array onto a Position.
//
// Index layout: [0] SYMBOL, [1] STATUS, [2] AMOUNT, [3] BASE_PRICE,
// [6] PL, [9] LEVERAGE, [16] PRICE, [17] COLLATERAL.
func parsePosition(raw []any) (models.Position, error) {
	if len(raw) < 18 {
		return models.Position{}, fmt.Errorf("position record too short: %d fields", len(raw))
	}

	fullSymbol, ok := raw[0].(string)
	if !ok {
		return models.Position{}, fmt.Errorf("position record has non-string symbol")
	}

	amount := toDecimal(raw[2])
	side := models.SideLong
	if amount.IsNegative() {
		side = models.SideShort
	}
	quantity := amount.Abs()

	entryPrice := toDecimal(raw[3])
	currentPrice := toDecimal(raw[16])
	if currentPrice.IsZero() {
		currentPrice = entryPrice
	}
	margin := toDecimal(raw[17])
	leverage := toInt(raw[9])
	if leverage < 1 {
		leverage = 1
	}

	notional := quantity.Mul(currentPrice)
	marginRate := decimal.Zero
	if notional.IsPositive() {
		marginRate = margin.Div(notional).Mul(decimal.NewFromInt(100))
	}

	return models.Position{
		Symbol:        bareSymbol(fullSymbol),
		Side:          side,
		Quantity:      quantity,
		EntryPrice:    entryPrice,
		CurrentPrice:  currentPrice,
		Margin:        margin,
		Leverage:      leverage,
		UnrealizedPnl: toDecimal(raw[6]),
		MarginRate:    marginRate,
	}, nil
}

// GetPositions fetches all derivative positions, surfacing only ACTIVE ones.
func (c *RestClient) GetPositions() ([]models.Position, error) {
	body, err := c.doRequest("POST", "/v2/auth/r/positions", nil, true)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArray(body)
	if err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.([]any)
		if !ok || len(raw) < 2 {
			continue
		}
		if status, _ := raw[1].(string); status != "ACTIVE" {
			continue
		}
		pos, err := parsePosition(raw)
		if err != nil {
			c.logger.Warn("Skipping malformed position record", zap.Error(err))
			continue
		}
		positions = append(positions, pos)
	}

	return positions, nil
}

// GetAvailableBalance returns the available USDt balance of the derivatives
// wallet.
func (c *RestClient) GetAvailableBalance() (decimal.Decimal, error) {
	body, err := c.doRequest("POST", "/v2/auth/r/wallets", nil, true)
	if err != nil {
		return decimal.Zero, err
	}

	rows, err := decodeArray(body)
	if err != nil {
		return decimal.Zero, err
	}

	// Wallet layout: [WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED, AVAILABLE].
	for _, row := range rows {
		wallet, ok := row.([]any)
		if !ok || len(wallet) < 5 {
			continue
		}
		walletType, _ := wallet[0].(string)
		currency, _ := wallet[1].(string)
		if walletType == derivWalletType && (currency == "UST" || currency == "USDt") {
			return toDecimal(wallet[4]), nil
		}
	}

	return decimal.Zero, nil
}

// GetAccountInfo aggregates positions and wallet balance into one view. It is
// also used as the startup connectivity check.
func (c *RestClient) GetAccountInfo() (*AccountInfo, error) {
	positions, err := c.GetPositions()
	if err != nil {
		return nil, err
	}

	available, err := c.GetAvailableBalance()
	if err != nil {
		return nil, err
	}

	totalMargin := decimal.Zero
	for _, pos := range positions {
		totalMargin = totalMargin.Add(pos.Margin)
	}

	return &AccountInfo{
		TotalEquity:      available.Add(totalMargin),
		TotalMargin:      totalMargin,
		AvailableBalance: available,
		PositionCount:    len(positions),
	}, nil
}

// writeStatusOK reports whether a Bitfinex write notification carries the
// SUCCESS status.
func writeStatusOK(body []byte) bool {
	resp, err := decodeArray(body)
	if err != nil || len(resp) <= statusIndex {
		return false
	}
	status, _ := resp[statusIndex].(string)
	return status == "SUCCESS"
}

// UpdatePositionMargin applies a signed collateral delta to an isolated
// position. A positive delta adds collateral, a negative one removes it.
func (c *RestClient) UpdatePositionMargin(fullSymbol string, delta decimal.Decimal) (bool, error) {
	body := map[string]any{
		"symbol": fullSymbol,
		"delta":  delta.String(),
	}

	respBody, err := c.doRequest("POST", "/v2/auth/w/deriv/collateral/set", body, true)
	if err != nil {
		c.logger.Error("Failed to update position margin",
			zap.String("symbol", fullSymbol),
			zap.String("delta", delta.String()),
			zap.Error(err),
		)
		return false, err
	}

	return writeStatusOK(respBody), nil
}

// ClosePosition submits a market order in the opposite direction of the
// position to close the given quantity.
func (c *RestClient) ClosePosition(fullSymbol string, side models.PositionSide, quantity decimal.Decimal) (bool, error) {
	amount := quantity
	if side == models.SideLong {
		amount = quantity.Neg()
	}

	body := map[string]any{
		"type":   "MARKET",
		"symbol": fullSymbol,
		"amount": amount.String(),
		"flags":  0,
	}

	respBody, err := c.doRequest("POST", "/v2/auth/w/order/submit", body, true)
	if err != nil {
		c.logger.Error("Failed to submit close order",
			zap.String("symbol", fullSymbol),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return false, err
	}

	return writeStatusOK(respBody), nil
}

// GetCandles fetches historical OHLCV bars for a symbol.
//
// Raw candle layout: [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
func (c *RestClient) GetCandles(fullSymbol, timeframe string, limit int) ([]Candle, error) {
	path := fmt.Sprintf("/v2/candles/trade:%s:%s/hist?limit=%d", timeframe, fullSymbol, limit)

	body, err := c.doRequest("GET", path, nil, false)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArray(body)
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.([]any)
		if !ok || len(raw) < 6 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: int64(toFloat(raw[0])),
			Open:      toFloat(raw[1]),
			Close:     toFloat(raw[2]),
			High:      toFloat(raw[3]),
			Low:       toFloat(raw[4]),
			Volume:    toFloat(raw[5]),
		})
	}

	return candles, nil
}

// FullSymbol converts a bare asset symbol to the derivative pair notation,
// e.g. "BTC" -> "tBTCF0:USTF0".
func (c *RestClient) FullSymbol(symbol string) string {
	return fmt.Sprintf("t%sF0:USTF0", symbol)
}
