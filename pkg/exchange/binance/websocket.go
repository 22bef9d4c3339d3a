package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/sirupsen/logrus"
)

// WSConfig is the api.binance.websocket.* configuration subtree.
type WSConfig struct {
	URL                  string
	PingInterval         time.Duration
	PongTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

// subscribeMessage is the wire shape spec.md §6 requires:
// {"method":"SUBSCRIBE","params":[...],"id":<int>}.
type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// streamClient is the heartbeat/reconnect surface of the Exchange Adapter
// (spec.md §4.2/§5 "Stream receiver thread" + "Heartbeat thread"), grounded
// on gregtusar-Basis/pkg/coinbase/websocket.go's Connect/readLoop/keepAlive
// shape and tommy-ca-opensqt_market_maker's reconnect-loop idiom.
type streamClient struct {
	cfg    WSConfig
	logger *logrus.Entry

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	subscriptions map[string]exchange.EventHandler
	nextMsgID     int64
	closed        bool
}

func newStreamClient(cfg WSConfig, logger *logrus.Entry) *streamClient {
	return &streamClient{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]exchange.EventHandler),
	}
}

func (s *streamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *streamClient) connectLocked(ctx context.Context) error {
	if s.connected {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	s.conn = conn
	s.connected = true

	go s.readLoop(ctx)
	go s.keepAlive(ctx)
	return nil
}

// Subscribe registers handler for channel and, if connected, sends a
// SUBSCRIBE frame immediately. Returns an unsubscribe func that removes the
// handler and sends UNSUBSCRIBE.
func (s *streamClient) Subscribe(ctx context.Context, channel string, handler exchange.EventHandler) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	s.subscriptions[channel] = handler
	if err := s.sendSubscription(channel, "SUBSCRIBE"); err != nil {
		return nil, err
	}

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscriptions, channel)
		return s.sendSubscription(channel, "UNSUBSCRIBE")
	}, nil
}

func (s *streamClient) sendSubscription(channel, method string) error {
	s.nextMsgID++
	msg := subscribeMessage{Method: method, Params: []string{channel}, ID: s.nextMsgID}
	return s.conn.WriteJSON(msg)
}

func (s *streamClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.WithError(err).Warn("stream read failed, reconnecting")
			s.handleDisconnect(ctx)
			return
		}

		var env streamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.WithError(err).Debug("failed to decode stream envelope")
			continue
		}
		s.dispatch(env)
	}
}

// dispatch matches the channel suffix to an event type per spec.md §6
// (@markPrice, @fundingRate, @bookTicker) and calls the registered handler
// synchronously, per spec.md §5's "fans them out ... synchronously".
func (s *streamClient) dispatch(env streamEnvelope) {
	s.mu.Lock()
	handler, ok := s.subscriptions[env.Stream]
	s.mu.Unlock()
	if !ok {
		return
	}

	evt, err := decodeEvent(env)
	if err != nil {
		s.logger.WithError(err).Debug("failed to decode stream payload")
		return
	}
	handler(evt)
}

func decodeEvent(env streamEnvelope) (exchange.Event, error) {
	switch {
	case hasSuffix(env.Stream, "@markPrice"):
		var d struct {
			Symbol          string `json:"s"`
			MarkPrice       string `json:"p"`
			NextFundingTime int64  `json:"T"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return exchange.Event{}, err
		}
		mark := parseFloatOrZero(d.MarkPrice)
		return exchange.Event{
			Type: exchange.EventMarkPrice, Symbol: d.Symbol, At: time.Now(),
			MarkPrice: mark, NextFundingTime: time.UnixMilli(d.NextFundingTime),
		}, nil

	case hasSuffix(env.Stream, "@fundingRate"):
		var d struct {
			Symbol      string `json:"s"`
			FundingRate string `json:"r"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return exchange.Event{}, err
		}
		return exchange.Event{
			Type: exchange.EventFundingRate, Symbol: d.Symbol, At: time.Now(),
			FundingRate: parseFloatOrZero(d.FundingRate),
		}, nil

	case hasSuffix(env.Stream, "@bookTicker"):
		var d struct {
			Symbol string `json:"s"`
			Bid    string `json:"b"`
			Ask    string `json:"a"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return exchange.Event{}, err
		}
		return exchange.Event{
			Type: exchange.EventBookTicker, Symbol: d.Symbol, At: time.Now(),
			BestBid: parseFloatOrZero(d.Bid), BestAsk: parseFloatOrZero(d.Ask),
		}, nil

	default:
		return exchange.Event{}, fmt.Errorf("unrecognized stream channel %q", env.Stream)
	}
}

func hasSuffix(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

func parseFloatOrZero(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%f", &f)
	return f
}

// keepAlive sends a ping every PingInterval. Each pong pushes the read
// deadline PongTimeout ahead (PongHandler above); once a deadline is set and
// lapses without a pong, ReadMessage in readLoop fails and readLoop
// reconnects. No deadline is set before the first pong.
func (s *streamClient) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			connected := s.connected
			var err error
			if connected {
				err = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()
			if connected && err != nil {
				s.logger.WithError(err).Warn("ping failed, reconnecting")
				s.handleDisconnect(ctx)
				return
			}
		}
	}
}

// handleDisconnect tears down the connection and reconnects with
// exponential backoff, re-subscribing every channel exactly once — spec.md
// §4.2's "re-establishing all prior subscriptions exactly once".
func (s *streamClient) handleDisconnect(ctx context.Context) {
	s.mu.Lock()
	s.connected = false
	if s.conn != nil {
		s.conn.Close()
	}
	closed := s.closed
	channels := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	if closed {
		return
	}

	delay := s.cfg.ReconnectInterval
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		err := s.connectLocked(ctx)
		s.mu.Unlock()
		if err == nil {
			s.resubscribeAll(channels)
			return
		}
		s.logger.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
		delay *= 2
	}
	s.logger.Error("exhausted reconnect attempts, giving up")
}

func (s *streamClient) resubscribeAll(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if err := s.sendSubscription(ch, "SUBSCRIBE"); err != nil {
			s.logger.WithError(err).WithField("channel", ch).Error("failed to resubscribe")
		}
	}
}

func (s *streamClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
