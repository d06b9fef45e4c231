package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// Коды ошибок Bybit v5, которые классифицируются отдельно
const (
	retCodeOK                  = 0
	retCodeTimestamp           = 10002
	retCodeRateLimit           = 10006
	retCodeServerError         = 10016
	retCodeOrderNotExists      = 110001
	retCodeInsufficientBalance = 170131
	retCodeOrderNotExistsSpot  = 170213
)

// APIError ошибка ответа биржи с кодом retCode
type APIError struct {
	Code int
	Msg  string
	kind error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: bybit retCode=%d: %s", e.kind, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

func classifyRetCode(code int) error {
	switch code {
	case retCodeInsufficientBalance:
		return domain.ErrInsufficientBalance
	case retCodeOrderNotExists, retCodeOrderNotExistsSpot:
		return domain.ErrOrderNotFound
	case retCodeTimestamp, retCodeRateLimit, retCodeServerError:
		return domain.ErrTransient
	default:
		return domain.ErrExchangeAPI
	}
}

// BybitConfig параметры подключения
type BybitConfig struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	RecvWindow        string
	Timeout           time.Duration
	RequestsPerSecond float64
	TickerTTL         time.Duration
}

type cachedTicker struct {
	price float64
	at    time.Time
}

// BybitClient шлюз Bybit v5 (spot). Один экземпляр на все пары:
// ограничение частоты, смещение серверного времени и кеши живут здесь.
type BybitClient struct {
	apiKey     string
	apiSecret  string
	recvWindow string
	http       *resty.Client
	limiter    *rate.Limiter
	logger     *utils.Logger
	tickerTTL  time.Duration
	now        func() time.Time

	mu          sync.Mutex
	timeOffset  time.Duration
	tickers     map[string]cachedTicker
	instruments map[string]Instrument
}

func NewBybitClient(cfg BybitConfig, logger *utils.Logger) *BybitClient {
	if cfg.RecvWindow == "" {
		cfg.RecvWindow = domain.BybitRecvWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	return &BybitClient{
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		recvWindow:  cfg.RecvWindow,
		http:        resty.New().SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).SetTimeout(cfg.Timeout),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:      logger,
		tickerTTL:   cfg.TickerTTL,
		now:         time.Now,
		tickers:     make(map[string]cachedTicker),
		instruments: make(map[string]Instrument),
	}
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// SyncTime запоминает смещение между серверным и локальным временем
func (b *BybitClient) SyncTime(ctx context.Context) error {
	var result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := b.get(ctx, "/v5/market/time", nil, false, &result); err != nil {
		return fmt.Errorf("failed to sync server time: %w", err)
	}
	nanos, err := strconv.ParseInt(result.TimeNano, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse server time: %w", err)
	}

	offset := time.Unix(0, nanos).Sub(b.now())
	b.mu.Lock()
	b.timeOffset = offset
	b.mu.Unlock()

	b.logger.Debug("Bybit server time offset: %v", offset)
	return nil
}

func (b *BybitClient) timestamp() string {
	b.mu.Lock()
	offset := b.timeOffset
	b.mu.Unlock()
	return strconv.FormatInt(b.now().Add(offset).UnixMilli(), 10)
}

// FetchPrice последняя цена с коротким кешем
func (b *BybitClient) FetchPrice(ctx context.Context, pair domain.Pair) (float64, error) {
	symbol := pair.Symbol()
	if b.tickerTTL > 0 {
		b.mu.Lock()
		cached, ok := b.tickers[symbol]
		b.mu.Unlock()
		if ok && b.now().Sub(cached.at) < b.tickerTTL {
			return cached.price, nil
		}
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	params := url.Values{"category": {domain.BybitCategorySpot}, "symbol": {symbol}}
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return 0, fmt.Errorf("failed to fetch ticker %s: %w", symbol, err)
	}
	if len(result.List) == 0 || result.List[0].LastPrice == "" {
		return 0, fmt.Errorf("%w: no price data for symbol %s", domain.ErrExchangeAPI, symbol)
	}

	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price for %s: %w", symbol, err)
	}

	b.mu.Lock()
	b.tickers[symbol] = cachedTicker{price: price, at: b.now()}
	b.mu.Unlock()
	return price, nil
}

// FetchOrderBook верхние уровни стакана
func (b *BybitClient) FetchOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error) {
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	params := url.Values{
		"category": {domain.BybitCategorySpot},
		"symbol":   {pair.Symbol()},
		"limit":    {strconv.Itoa(depth)},
	}
	if err := b.get(ctx, "/v5/market/orderbook", params, false, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch order book %s: %w", pair.Symbol(), err)
	}

	bids, err := parseLevels(result.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(result.Asks)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBook{Bids: bids, Asks: asks}, nil
}

func parseLevels(raw [][]string) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse book price: %w", err)
		}
		qty, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse book size: %w", err)
		}
		levels = append(levels, domain.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// FetchBalance свободные остатки обоих активов пары
func (b *BybitClient) FetchBalance(ctx context.Context, pair domain.Pair) (*domain.AssetBalance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := url.Values{
		"accountType": {domain.BybitAccountUnified},
		"coin":        {pair.Base + "," + pair.Quote},
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	balance := &domain.AssetBalance{}
	if len(result.List) == 0 {
		return balance, nil
	}
	for _, c := range result.List[0].Coin {
		free := parseDecimal(c.WalletBalance).Sub(parseDecimal(c.Locked)).InexactFloat64()
		if free < 0 {
			free = 0
		}
		switch c.Coin {
		case pair.Base:
			balance.Base = free
		case pair.Quote:
			balance.Quote = free
		}
	}
	return balance, nil
}

// FetchCandles свечи от старых к новым; Bybit отдает от новых к старым
func (b *BybitClient) FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	params := url.Values{
		"category": {domain.BybitCategorySpot},
		"symbol":   {pair.Symbol()},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := b.get(ctx, "/v5/market/kline", params, false, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch klines %s %s: %w", pair.Symbol(), interval, err)
	}

	candles := make([]domain.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: kline row has %d fields", domain.ErrExchangeAPI, len(row))
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline start: %w", err)
		}
		vals := make([]float64, 5)
		for j := range vals {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse kline field %d: %w", j+1, err)
			}
			vals[j] = v
		}
		candles = append(candles, domain.Candle{
			StartTime: time.UnixMilli(start).UTC(),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return candles, nil
}

// CreateOrder размещает ордер; для market количество задается в base
func (b *BybitClient) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	body := map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      req.Pair.Symbol(),
		"side":        bybitSide(req.Side),
		"orderType":   string(req.Type),
		"qty":         FormatDecimal(req.Quantity),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = FormatDecimal(req.Price)
		body["timeInForce"] = "GTC"
	} else {
		body["marketUnit"] = "baseCoin"
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, fmt.Errorf("failed to create %s %s order: %w", req.Side, req.Type, err)
	}

	b.logger.Debug("Order created: %s %s %s qty=%s id=%s",
		req.Pair.Symbol(), req.Side, req.Type, FormatDecimal(req.Quantity), result.OrderID)

	return &domain.OrderHandle{
		OrderID:       result.OrderID,
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
	}, nil
}

type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// FetchOrder статус ордера: сначала открытые, затем история
func (b *BybitClient) FetchOrder(ctx context.Context, handle domain.OrderHandle) (*domain.OrderStatus, error) {
	params := url.Values{
		"category": {domain.BybitCategorySpot},
		"symbol":   {handle.Pair.Symbol()},
	}
	if handle.OrderID != "" {
		params.Set("orderId", handle.OrderID)
	} else {
		params.Set("orderLinkId", handle.ClientOrderID)
	}

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []orderRow `json:"list"`
		}
		if err := b.get(ctx, path, params, true, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch order %s: %w", handle.OrderID, err)
		}
		if len(result.List) > 0 {
			row := result.List[0]
			return &domain.OrderStatus{
				Status:    normalizeStatus(row.OrderStatus),
				FilledQty: parseDecimal(row.CumExecQty).InexactFloat64(),
				AvgPrice:  parseDecimal(row.AvgPrice).InexactFloat64(),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, handle.OrderID)
}

// CancelOrder отменяет ордер
func (b *BybitClient) CancelOrder(ctx context.Context, handle domain.OrderHandle) error {
	body := map[string]interface{}{
		"category": domain.BybitCategorySpot,
		"symbol":   handle.Pair.Symbol(),
	}
	if handle.OrderID != "" {
		body["orderId"] = handle.OrderID
	} else {
		body["orderLinkId"] = handle.ClientOrderID
	}
	if err := b.post(ctx, "/v5/order/cancel", body, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", handle.OrderID, err)
	}
	return nil
}

// Transfer перевод между счетами (FUND, UNIFIED) одного аккаунта
func (b *BybitClient) Transfer(ctx context.Context, coin string, amount float64, from, to string) error {
	body := map[string]interface{}{
		"transferId":      uuid.NewString(),
		"coin":            coin,
		"amount":          FormatDecimal(amount),
		"fromAccountType": from,
		"toAccountType":   to,
	}
	if err := b.post(ctx, "/v5/asset/transfer/inter-transfer", body, nil); err != nil {
		return fmt.Errorf("failed to transfer %s %s -> %s: %w", coin, from, to, err)
	}
	return nil
}

// ToExchangePrecision округляет цену или количество по правилам инструмента
func (b *BybitClient) ToExchangePrecision(ctx context.Context, pair domain.Pair, value float64, kind domain.PrecisionKind) (float64, error) {
	inst, err := b.Instrument(ctx, pair)
	if err != nil {
		return 0, err
	}
	return inst.Apply(value, kind)
}

// Instrument правила торговли символом, кешируются на время жизни клиента
func (b *BybitClient) Instrument(ctx context.Context, pair domain.Pair) (Instrument, error) {
	symbol := pair.Symbol()
	b.mu.Lock()
	inst, ok := b.instruments[symbol]
	b.mu.Unlock()
	if ok {
		return inst, nil
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	params := url.Values{"category": {domain.BybitCategorySpot}, "symbol": {symbol}}
	if err := b.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return Instrument{}, fmt.Errorf("failed to fetch instrument %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return Instrument{}, fmt.Errorf("%w: unknown symbol %s", domain.ErrInvalidInput, symbol)
	}

	row := result.List[0]
	inst = Instrument{
		Symbol:      symbol,
		TickSize:    parseDecimal(row.PriceFilter.TickSize),
		QtyStep:     parseDecimal(row.LotSizeFilter.BasePrecision),
		MinQty:      parseDecimal(row.LotSizeFilter.MinOrderQty),
		MinNotional: parseDecimal(row.LotSizeFilter.MinOrderAmt),
	}
	b.mu.Lock()
	b.instruments[symbol] = inst
	b.mu.Unlock()
	return inst, nil
}

func (b *BybitClient) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	query := params.Encode()
	req := b.http.R().SetContext(ctx)
	if query != "" {
		req.SetQueryString(query)
	}
	if signed {
		b.setAuthHeaders(req, query)
	}
	return b.do(ctx, req, "GET", path, out)
}

func (b *BybitClient) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	req := b.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	b.setAuthHeaders(req, string(payload))
	return b.do(ctx, req, "POST", path, out)
}

func (b *BybitClient) do(ctx context.Context, req *resty.Request, method, path string, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrTransient, err)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransient, method, path, err)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
		return fmt.Errorf("%w: %s %s: http %d", domain.ErrTransient, method, path, resp.StatusCode())
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response (http %d): %v", domain.ErrExchangeAPI, resp.StatusCode(), err)
	}
	if envelope.RetCode != retCodeOK {
		apiErr := &APIError{Code: envelope.RetCode, Msg: envelope.RetMsg, kind: classifyRetCode(envelope.RetCode)}
		if envelope.RetCode == retCodeTimestamp {
			// следующий запрос пойдет с обновленным смещением
			if err := b.SyncTime(ctx); err != nil {
				b.logger.Warn("Time resync failed: %v", err)
			}
		}
		return apiErr
	}

	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal result: %v", domain.ErrExchangeAPI, err)
	}
	return nil
}

// generateSignature подпись запроса: timestamp + key + recvWindow + payload
func (b *BybitClient) generateSignature(timestamp, payload string) string {
	message := timestamp + b.apiKey + b.recvWindow + payload
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitClient) setAuthHeaders(req *resty.Request, payload string) {
	timestamp := b.timestamp()
	req.SetHeader("X-BAPI-API-KEY", b.apiKey)
	req.SetHeader("X-BAPI-SIGN", b.generateSignature(timestamp, payload))
	req.SetHeader("X-BAPI-TIMESTAMP", timestamp)
	req.SetHeader("X-BAPI-RECV-WINDOW", b.recvWindow)
}

func bybitSide(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func normalizeStatus(s string) string {
	switch s {
	case "New", "Untriggered", "Triggered":
		return domain.StatusNew
	case "PartiallyFilled":
		return domain.StatusPartiallyFilled
	case "Filled":
		return domain.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.StatusCancelled
	case "Rejected":
		return domain.StatusRejected
	default:
		return strings.ToUpper(s)
	}
}

// IsTransient сетевые сбои и временные отказы биржи, допускающие повтор
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient)
}
