package binance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-quant/fundingarb/internal/errs"
	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/kestrel-quant/fundingarb/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// RetryConfig mirrors original_source/src/common/utils/rate_limiter.h's
// RetryConfig: exponential backoff over a fixed set of retriable HTTP
// status codes.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2.0}
}

// Client is the concrete Exchange Adapter REST+streaming surface against a
// perpetual-futures venue shaped like Binance USDⓈ-M futures, grounded on
// original_source/src/market/api/binance_api.h's two-rate-limiter,
// retry-wrapped request shape and gregtusar-Basis/pkg/coinbase/client.go's
// BaseClient.doRequest.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limits     *ratelimit.Pair
	retry      RetryConfig
	logger     *logrus.Entry

	ws *streamClient
}

func NewClient(baseURL string, auth Authenticator, limits *ratelimit.Pair, retry RetryConfig, ws WSConfig, logger *logrus.Entry) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		limits:     limits,
		retry:      retry,
		logger:     logger,
		ws:         newStreamClient(ws, logger),
	}
}

func (c *Client) Close() error {
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// Subscribe delegates to the streaming half of the adapter (spec.md §4.2).
func (c *Client) Subscribe(ctx context.Context, channel string, handler exchange.EventHandler) (func() error, error) {
	return c.ws.Subscribe(ctx, channel, handler)
}

// executeWithRetry wraps fn with original_source/binance_api.h's retry
// loop: transport errors, rate-limit errors and rejections with a retriable
// HTTP status are retried with exponential backoff up to MaxRetries;
// everything else propagates immediately.
func executeWithRetry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	var zero T
	delay := c.retry.InitialDelay

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		e, ok := err.(*errs.Error)
		retriable := ok && (e.Kind == errs.Transport || e.Kind == errs.RateLimited ||
			(e.Kind == errs.Rejected && errs.RetriableHTTPStatus(e.Code)))

		if !retriable || attempt >= c.retry.MaxRetries {
			return zero, err
		}

		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("retrying after transient failure")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * c.retry.BackoffMultiplier)
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, params map[string]string, needSign bool, useOrderLimiter bool) ([]byte, error) {
	limiter := c.limits.General
	if useOrderLimiter {
		limiter = c.limits.Orders
	}
	if err := limiter.Acquire(ctx); err != nil {
		return nil, errs.TransportErr("http_request", err, "rate limiter wait: %v", err)
	}

	query := ""
	if needSign {
		q, err := c.auth.Sign(params, time.Now().UnixMilli())
		if err != nil {
			return nil, errs.New(errs.ConfigKind, "sign_request", "", err, "signing request: %v", err)
		}
		query = q
	} else {
		query = canonicalQuery(params)
	}

	url := c.baseURL + endpoint
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errs.TransportErr(endpoint, err, "building request: %v", err)
	}
	if needSign {
		c.auth.AddHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.TransportErr(endpoint, err, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.TransportErr(endpoint, err, "reading response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.RateLimitedErr(endpoint, "")
	}
	if resp.StatusCode >= 400 {
		return nil, &errs.Error{
			Op: endpoint, Kind: errs.Rejected, Code: resp.StatusCode,
			Message: string(body),
		}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string, needSign bool) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, endpoint, params, needSign, false)
}

// --- Market data ---

func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return executeWithRetry(ctx, c, "get_funding_rate", func() (float64, error) {
		body, err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return 0, err
		}
		var resp struct {
			LastFundingRate string `json:"lastFundingRate"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_funding_rate", err, "decoding response: %v", err)
		}
		return strconv.ParseFloat(resp.LastFundingRate, 64)
	})
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return executeWithRetry(ctx, c, "get_mark_price", func() (float64, error) {
		body, err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return 0, err
		}
		var resp struct {
			MarkPrice string `json:"markPrice"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_mark_price", err, "decoding response: %v", err)
		}
		return strconv.ParseFloat(resp.MarkPrice, 64)
	})
}

func (c *Client) GetSpotPrice(ctx context.Context, symbol string) (float64, error) {
	return executeWithRetry(ctx, c, "get_spot_price", func() (float64, error) {
		body, err := c.get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return 0, err
		}
		var resp struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_spot_price", err, "decoding response: %v", err)
		}
		return strconv.ParseFloat(resp.Price, 64)
	})
}

func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return executeWithRetry(ctx, c, "get_last_price", func() (float64, error) {
		body, err := c.get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return 0, err
		}
		var resp struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_last_price", err, "decoding response: %v", err)
		}
		return strconv.ParseFloat(resp.Price, 64)
	})
}

func (c *Client) GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error) {
	return executeWithRetry(ctx, c, "get_next_funding_time", func() (time.Time, error) {
		body, err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return time.Time{}, err
		}
		var resp struct {
			NextFundingTime int64 `json:"nextFundingTime"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return time.Time{}, errs.TransportErr("get_next_funding_time", err, "decoding response: %v", err)
		}
		return time.UnixMilli(resp.NextFundingTime), nil
	})
}

func (c *Client) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	return executeWithRetry(ctx, c, "get_24h_volume", func() (float64, error) {
		body, err := c.get(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return 0, err
		}
		var resp struct {
			QuoteVolume string `json:"quoteVolume"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_24h_volume", err, "decoding response: %v", err)
		}
		return strconv.ParseFloat(resp.QuoteVolume, 64)
	})
}

func (c *Client) GetBestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	type result struct{ bid, ask float64 }
	r, err := executeWithRetry(ctx, c, "get_best_bid_ask", func() (result, error) {
		body, err := c.get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol}, false)
		if err != nil {
			return result{}, err
		}
		var resp struct {
			BidPrice string `json:"bidPrice"`
			AskPrice string `json:"askPrice"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return result{}, errs.TransportErr("get_best_bid_ask", err, "decoding response: %v", err)
		}
		bid, err := strconv.ParseFloat(resp.BidPrice, 64)
		if err != nil {
			return result{}, err
		}
		ask, err := strconv.ParseFloat(resp.AskPrice, 64)
		if err != nil {
			return result{}, err
		}
		return result{bid, ask}, nil
	})
	return r.bid, r.ask, err
}

func (c *Client) GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) (models.BookDepth, error) {
	endpoint := "/fapi/v1/depth"
	if isSpot {
		endpoint = "/api/v3/depth"
	}
	return executeWithRetry(ctx, c, "get_order_book_depth", func() (models.BookDepth, error) {
		body, err := c.get(ctx, endpoint, map[string]string{"symbol": symbol, "limit": "50"}, false)
		if err != nil {
			return models.BookDepth{}, err
		}
		var resp struct {
			Bids [][2]string `json:"bids"`
			Asks [][2]string `json:"asks"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return models.BookDepth{}, errs.TransportErr("get_order_book_depth", err, "decoding response: %v", err)
		}
		return models.BookDepth{Bids: decodeDepthLevels(resp.Bids), Asks: decodeDepthLevels(resp.Asks)}, nil
	})
}

func decodeDepthLevels(raw [][2]string) models.Depth {
	depth := make(models.Depth, 0, len(raw))
	for _, lvl := range raw {
		price, perr := strconv.ParseFloat(lvl[0], 64)
		qty, qerr := strconv.ParseFloat(lvl[1], 64)
		if perr != nil || qerr != nil {
			continue
		}
		depth = append(depth, models.DepthLevel{Price: price, Qty: qty})
	}
	return depth
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	return executeWithRetry(ctx, c, "get_balance", func() (float64, error) {
		body, err := c.get(ctx, "/fapi/v2/balance", nil, true)
		if err != nil {
			return 0, err
		}
		var resp []struct {
			Asset   string `json:"asset"`
			Balance string `json:"balance"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, errs.TransportErr("get_balance", err, "decoding response: %v", err)
		}
		for _, b := range resp {
			if b.Asset == asset {
				return strconv.ParseFloat(b.Balance, 64)
			}
		}
		return 0, nil
	})
}

func (c *Client) Tradable(ctx context.Context) ([]string, error) {
	return executeWithRetry(ctx, c, "tradable", func() ([]string, error) {
		body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, false)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Symbols []struct {
				Symbol string `json:"symbol"`
				Status string `json:"status"`
			} `json:"symbols"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errs.TransportErr("tradable", err, "decoding response: %v", err)
		}
		out := make([]string, 0, len(resp.Symbols))
		for _, s := range resp.Symbols {
			if s.Status == "TRADING" {
				out = append(out, s.Symbol)
			}
		}
		return out, nil
	})
}

// --- Trading ---

func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return executeWithRetry(ctx, c, "place_order", func() (string, error) {
		params := orderParams(req)
		body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, true)
		if err != nil {
			return "", err
		}
		var resp struct {
			OrderID json.Number `json:"orderId"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", errs.TransportErr("place_order", err, "decoding response: %v", err)
		}
		return resp.OrderID.String(), nil
	})
}

func orderParams(req models.OrderRequest) map[string]string {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.LimitPrice > 0 {
		params["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	}
	if req.StopPrice > 0 {
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClosePosition {
		params["closePosition"] = "true"
	}
	if req.PositionSide != "" {
		params["positionSide"] = string(req.PositionSide)
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}
	for k, v := range req.ExtraParams {
		params[k] = v
	}
	return params
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := executeWithRetry(ctx, c, "cancel_order", func() (struct{}, error) {
		_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order",
			map[string]string{"symbol": symbol, "orderId": orderID}, true, true)
		return struct{}{}, err
	})
	return err
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	return executeWithRetry(ctx, c, "get_order_status", func() (models.Order, error) {
		body, err := c.get(ctx, "/fapi/v1/order", map[string]string{"symbol": symbol, "orderId": orderID}, true)
		if err != nil {
			return models.Order{}, err
		}
		return decodeOrder(body)
	})
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return executeWithRetry(ctx, c, "get_open_orders", func() ([]models.Order, error) {
		params := map[string]string{}
		if symbol != "" {
			params["symbol"] = symbol
		}
		body, err := c.get(ctx, "/fapi/v1/openOrders", params, true)
		if err != nil {
			return nil, err
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, errs.TransportErr("get_open_orders", err, "decoding response: %v", err)
		}
		orders := make([]models.Order, 0, len(raw))
		for _, r := range raw {
			o, err := decodeOrder(r)
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
		return orders, nil
	})
}

func decodeOrder(body []byte) (models.Order, error) {
	var resp struct {
		Symbol        string `json:"symbol"`
		OrderID       json.Number `json:"orderId"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
		TimeInForce   string `json:"timeInForce"`
		ReduceOnly    bool   `json:"reduceOnly"`
		UpdateTime    int64  `json:"updateTime"`
		Time          int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Order{}, errs.TransportErr("decode_order", err, "decoding response: %v", err)
	}

	side, err := models.ParseOrderSide(resp.Side)
	if err != nil {
		return models.Order{}, err
	}
	otype, err := models.ParseOrderType(resp.Type)
	if err != nil {
		return models.Order{}, err
	}
	status, err := models.ParseOrderStatus(resp.Status)
	if err != nil {
		return models.Order{}, err
	}

	qty, _ := strconv.ParseFloat(resp.OrigQty, 64)
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	tif := models.TimeInForce(resp.TimeInForce)

	return models.Order{
		OrderRequest: models.OrderRequest{
			Symbol:      resp.Symbol,
			Side:        side,
			Type:        otype,
			Quantity:    qty,
			LimitPrice:  price,
			TimeInForce: tif,
			ReduceOnly:  resp.ReduceOnly,
		},
		OrderID:      resp.OrderID.String(),
		Status:       status,
		ExecutedQty:  executed,
		AvgFillPrice: avgPrice,
		CreatedAt:    time.UnixMilli(resp.Time),
		UpdatedAt:    time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return executeWithRetry(ctx, c, "get_open_positions", func() ([]models.Position, error) {
		body, err := c.get(ctx, "/fapi/v2/positionRisk", nil, true)
		if err != nil {
			return nil, err
		}
		var raw []struct {
			Symbol           string `json:"symbol"`
			PositionAmt      string `json:"positionAmt"`
			EntryPrice       string `json:"entryPrice"`
			MarkPrice        string `json:"markPrice"`
			UnRealizedProfit string `json:"unRealizedProfit"`
			LiquidationPrice string `json:"liquidationPrice"`
			Leverage         string `json:"leverage"`
			MarginType       string `json:"marginType"`
			IsolatedMargin   string `json:"isolatedMargin"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, errs.TransportErr("get_open_positions", err, "decoding response: %v", err)
		}

		positions := make([]models.Position, 0, len(raw))
		for _, p := range raw {
			size, _ := strconv.ParseFloat(p.PositionAmt, 64)
			if size == 0 {
				continue
			}
			entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
			markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
			pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
			liqPrice, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
			leverage, _ := strconv.Atoi(p.Leverage)
			margin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)

			marginType, err := models.ParseMarginType(p.MarginType)
			if err != nil {
				marginType = models.MarginTypeCross
			}

			positions = append(positions, models.Position{
				Symbol:           p.Symbol,
				Size:             size,
				EntryPrice:       entryPrice,
				MarkPrice:        markPrice,
				UnrealizedPnL:    pnl,
				LiquidationPrice: liqPrice,
				Margin:           margin,
				Leverage:         leverage,
				MarginType:       marginType,
				UpdatedAt:        time.Now(),
			})
		}
		return positions, nil
	})
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := executeWithRetry(ctx, c, "set_leverage", func() (struct{}, error) {
		_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage",
			map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}, true, false)
		return struct{}{}, err
	})
	return err
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, mode models.MarginType) error {
	_, err := executeWithRetry(ctx, c, "set_margin_type", func() (struct{}, error) {
		_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType",
			map[string]string{"symbol": symbol, "marginType": string(mode)}, true, false)
		return struct{}{}, err
	})
	return err
}

