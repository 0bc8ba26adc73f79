package bitfinex

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/models"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectMinDelay    = 1 * time.Second
	defaultReconnectMaxDelay    = 60 * time.Second

	handshakeTimeout = 15 * time.Second

	// tickerPriceIndex is the position of LAST_PRICE in a ticker payload:
	// [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_PERC,
	//  LAST_PRICE, VOLUME, HIGH, LOW].
	tickerPriceIndex = 6
)

// PriceHandler receives live last-trade prices for a subscribed symbol.
type PriceHandler func(symbol string, price decimal.Decimal)

// wsConn is the subset of *websocket.Conn the manager uses. Tests substitute
// an in-memory implementation through the dial function.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialFunc opens a websocket connection to the given URL.
type dialFunc func(url string) (wsConn, error)

func gorillaDial(url string) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamManager maintains a live ticker feed scoped to high-risk positions.
// It subscribes only to positions whose margin rate sits inside the
// early-warning band, reconnects with exponential backoff on unexpected
// closure, and fans incoming prices out to registered handlers.
type StreamManager struct {
	wsURL               string
	emergencyMarginRate float64
	logger              *zap.Logger
	dial                dialFunc

	maxReconnectAttempts int
	reconnectMinDelay    time.Duration
	reconnectMaxDelay    time.Duration

	mu         sync.Mutex
	conn       wsConn
	running    bool
	closed     bool
	subscribed map[string]struct{}
	channelMap map[int64]string // channel id -> bare symbol
	handlers   []PriceHandler

	listenWG sync.WaitGroup
}

// NewStreamManager creates a stream manager for the given websocket endpoint.
// emergencyMarginRate is the per-position emergency threshold; the manager
// subscribes to positions below twice that rate.
func NewStreamManager(wsURL string, emergencyMarginRate float64, logger *zap.Logger) *StreamManager {
	return &StreamManager{
		wsURL:                wsURL,
		emergencyMarginRate:  emergencyMarginRate,
		logger:               logger,
		dial:                 gorillaDial,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		reconnectMinDelay:    defaultReconnectMinDelay,
		reconnectMaxDelay:    defaultReconnectMaxDelay,
		subscribed:           make(map[string]struct{}),
		channelMap:           make(map[int64]string),
	}
}

// Connect opens the websocket connection. It returns false on failure, leaving
// retry policy to the caller; runtime disconnects are handled internally.
func (m *StreamManager) Connect() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	conn, err := m.dial(m.wsURL)
	if err != nil {
		m.logger.Error("WebSocket connection failed", zap.String("url", m.wsURL), zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.conn = conn
	m.running = true
	m.mu.Unlock()

	m.logger.Info("WebSocket connected", zap.String("url", m.wsURL))
	return true
}

// IsConnected reports whether the manager holds a live connection.
func (m *StreamManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.running
}

// IsRunning reports whether the manager considers itself alive. It turns
// false after Close or after the reconnect budget is exhausted.
func (m *StreamManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SubscribedSymbols returns a copy of the currently subscribed symbol set.
func (m *StreamManager) SubscribedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		symbols = append(symbols, s)
	}
	return symbols
}

// RegisterHandler adds a price handler. Handlers run synchronously in
// registration order from the listen goroutine.
func (m *StreamManager) RegisterHandler(h PriceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *StreamManager) sendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, raw)
}

// Subscribe subscribes to ticker updates for the given bare symbols. Symbols
// already subscribed are skipped; calling while disconnected is a logged no-op.
func (m *StreamManager) Subscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeLocked(symbols)
}

func (m *StreamManager) subscribeLocked(symbols []string) {
	if m.conn == nil || !m.running {
		m.logger.Warn("WebSocket not connected, cannot subscribe")
		return
	}

	for _, symbol := range symbols {
		if _, ok := m.subscribed[symbol]; ok {
			continue
		}

		msg := map[string]any{
			"event":   "subscribe",
			"channel": "ticker",
			"symbol":  "t" + symbol + "F0:USTF0",
		}
		if err := m.sendJSON(msg); err != nil {
			m.logger.Error("Failed to subscribe", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		m.subscribed[symbol] = struct{}{}
		m.logger.Debug("Subscribed", zap.String("symbol", symbol))
	}
}

// Unsubscribe removes ticker subscriptions for the given bare symbols.
// Bookkeeping is dropped only after the control message went out.
func (m *StreamManager) Unsubscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(symbols)
}

func (m *StreamManager) unsubscribeLocked(symbols []string) {
	if m.conn == nil || !m.running {
		m.logger.Warn("WebSocket not connected, cannot unsubscribe")
		return
	}

	for _, symbol := range symbols {
		if _, ok := m.subscribed[symbol]; !ok {
			continue
		}

		var channelID int64 = -1
		for cid, sym := range m.channelMap {
			if sym == symbol {
				channelID = cid
				break
			}
		}
		if channelID < 0 {
			continue
		}

		msg := map[string]any{
			"event":  "unsubscribe",
			"chanId": channelID,
		}
		if err := m.sendJSON(msg); err != nil {
			m.logger.Error("Failed to unsubscribe", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		delete(m.subscribed, symbol)
		delete(m.channelMap, channelID)
		m.logger.Debug("Unsubscribed", zap.String("symbol", symbol))
	}
}

// isHighRisk reports whether a position sits inside the early-warning band:
// margin rate below twice the emergency threshold. This is deliberately wider
// than the hard emergency check so the feed covers positions before they
// become critical.
func (m *StreamManager) isHighRisk(pos models.Position) bool {
	threshold := decimal.NewFromFloat(m.emergencyMarginRate * 2)
	return pos.MarginRate.LessThan(threshold)
}

// UpdateSubscriptions diffs the current subscription set against the high-risk
// positions, unsubscribing symbols that recovered and subscribing new ones.
func (m *StreamManager) UpdateSubscriptions(positions []models.Position) {
	highRisk := make(map[string]struct{})
	for _, pos := range positions {
		if m.isHighRisk(pos) {
			highRisk[pos.Symbol] = struct{}{}
			m.logger.Debug("High risk position",
				zap.String("symbol", pos.Symbol),
				zap.String("margin_rate", pos.MarginRate.StringFixed(2)),
			)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var toUnsubscribe, toSubscribe []string
	for symbol := range m.subscribed {
		if _, ok := highRisk[symbol]; !ok {
			toUnsubscribe = append(toUnsubscribe, symbol)
		}
	}
	for symbol := range highRisk {
		if _, ok := m.subscribed[symbol]; !ok {
			toSubscribe = append(toSubscribe, symbol)
		}
	}

	if len(toUnsubscribe) > 0 {
		m.unsubscribeLocked(toUnsubscribe)
	}
	if len(toSubscribe) > 0 {
		m.subscribeLocked(toSubscribe)
	}

	m.logger.Info("Subscriptions updated", zap.Int("monitored", len(m.subscribed)))
}

// controlEvent is a Bitfinex control message ({"event": ...}).
type controlEvent struct {
	Event   string `json:"event"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Msg     string `json:"msg"`
	Version int    `json:"version"`
}

// handleMessage dispatches one raw frame: control objects manage the
// channel-id bookkeeping, data arrays carry heartbeats or ticker payloads.
// Malformed frames are logged and dropped.
func (m *StreamManager) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '{' {
		var ev controlEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			m.logger.Warn("Invalid control message", zap.ByteString("message", trimmed))
			return
		}
		m.handleControlEvent(ev)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		m.logger.Warn("Invalid data frame", zap.ByteString("message", trimmed))
		return
	}
	if len(frame) < 2 {
		return
	}

	var channelID int64
	if err := json.Unmarshal(frame[0], &channelID); err != nil {
		return
	}

	// Heartbeats keep the connection warm, nothing to dispatch.
	if bytes.Equal(bytes.TrimSpace(frame[1]), []byte(`"hb"`)) {
		return
	}

	m.mu.Lock()
	symbol, ok := m.channelMap[channelID]
	handlers := make([]PriceHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()
	if !ok {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(frame[1]))
	dec.UseNumber()
	var payload []any
	if err := dec.Decode(&payload); err != nil || len(payload) <= tickerPriceIndex {
		return
	}

	price := toDecimal(payload[tickerPriceIndex])
	if price.IsZero() {
		return
	}

	for _, handler := range handlers {
		m.dispatch(handler, symbol, price)
	}
}

// dispatch runs one handler, containing panics so a bad handler cannot block
// the rest.
func (m *StreamManager) dispatch(handler PriceHandler, symbol string, price decimal.Decimal) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Price handler panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
			)
		}
	}()
	handler(symbol, price)
}

func (m *StreamManager) handleControlEvent(ev controlEvent) {
	switch ev.Event {
	case "subscribed":
		symbol := bareSymbol(ev.Symbol)
		m.mu.Lock()
		m.channelMap[ev.ChanID] = symbol
		m.mu.Unlock()
		m.logger.Info("Channel mapped",
			zap.Int64("channel_id", ev.ChanID),
			zap.String("symbol", symbol),
		)
	case "unsubscribed":
		m.mu.Lock()
		delete(m.channelMap, ev.ChanID)
		m.mu.Unlock()
	case "error":
		m.logger.Error("WebSocket error event", zap.String("msg", ev.Msg))
	case "info":
		if ev.Version != 0 {
			m.logger.Info("WebSocket API version", zap.Int("version", ev.Version))
		}
	}
}

// Listen starts the read loop in a background goroutine. It returns
// immediately; Close tears the loop down.
func (m *StreamManager) Listen() {
	m.listenWG.Add(1)
	go func() {
		defer m.listenWG.Done()
		m.listenLoop()
	}()
}

func (m *StreamManager) listenLoop() {
	for {
		m.mu.Lock()
		conn := m.conn
		running := m.running
		m.mu.Unlock()

		if conn == nil || !running {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.IsRunning() {
				return
			}
			m.logger.Warn("WebSocket connection lost", zap.Error(err))
			if !m.reconnect() {
				return
			}
			continue
		}

		m.handleMessage(data)
	}
}

// reconnect retries the connection with exponential backoff. On success it
// rebuilds the previous subscription set from scratch (the exchange assigns
// fresh channel ids). Exhausting the attempt budget marks the manager stopped.
func (m *StreamManager) reconnect() bool {
	b := &backoff.Backoff{
		Min:    m.reconnectMinDelay,
		Max:    m.reconnectMaxDelay,
		Factor: 2,
	}

	for attempt := 1; attempt <= m.maxReconnectAttempts; attempt++ {
		if !m.IsRunning() {
			return false
		}

		delay := b.Duration()
		m.logger.Info("Reconnecting...",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.maxReconnectAttempts),
			zap.Duration("delay", delay),
		)
		time.Sleep(delay)

		if m.Connect() {
			m.mu.Lock()
			resubscribe := make([]string, 0, len(m.subscribed))
			for symbol := range m.subscribed {
				resubscribe = append(resubscribe, symbol)
			}
			m.subscribed = make(map[string]struct{})
			m.channelMap = make(map[int64]string)
			m.subscribeLocked(resubscribe)
			m.mu.Unlock()

			m.logger.Info("Reconnected successfully")
			return true
		}
	}

	m.logger.Error("Failed to reconnect, giving up", zap.Int("attempts", m.maxReconnectAttempts))
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return false
}

// Close tears the manager down: stops the listen loop, closes the transport
// and clears all bookkeeping. It is idempotent.
func (m *StreamManager) Close() {
	m.mu.Lock()
	m.running = false
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.subscribed = make(map[string]struct{})
	m.channelMap = make(map[int64]string)
	m.handlers = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("WebSocket close error", zap.Error(err))
		}
	}

	m.listenWG.Wait()
	m.logger.Info("WebSocket closed")
}
