package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/internal/domain"
)

var exmoLog = logrus.WithField("module", "exmo")

// ExmoClient EXMO v1.1 REST 网关。
// 私有接口：form-encoded body + nonce，HMAC-SHA512 签名放在 Key/Sign 头。
type ExmoClient struct {
	client    *resty.Client
	apiKey    string
	apiSecret string
	nonce     func() int64
}

// ExmoOptions 网关配置
type ExmoOptions struct {
	BaseURL   string
	Timeout   time.Duration
	APIKey    string
	APISecret string
}

// NewExmoClient 创建 EXMO 网关
func NewExmoClient(opts ExmoOptions) *ExmoClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.exmo.com/v1.1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "dogebot/1.0")

	return &ExmoClient{
		client:    client,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		nonce:     func() int64 { return time.Now().UnixMilli() },
	}
}

// sign 返回 body 的 HMAC-SHA512 十六进制签名
func (c *ExmoClient) sign(body string) string {
	mac := hmac.New(sha512.New, []byte(c.apiSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// privatePost 执行签名 POST，解析 {result, error} 信封
func (c *ExmoClient) privatePost(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatInt(c.nonce(), 10))
	body := params.Encode() // 按键名排序，签名与发送的字节一致

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Key", c.apiKey).
		SetHeader("Sign", c.sign(body)).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return Transient(err, "exmo: "+endpoint)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
		return Transient(fmt.Errorf("status %d", resp.StatusCode()), "exmo: "+endpoint)
	}
	if resp.StatusCode() >= 400 {
		return &RejectionError{Message: fmt.Sprintf("%s: status %d: %s", endpoint, resp.StatusCode(), resp.String())}
	}

	// 错误信封：{"result": false, "error": "..."}
	var envelope struct {
		Result *bool  `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil {
		if envelope.Result != nil && !*envelope.Result {
			return &RejectionError{Message: fmt.Sprintf("%s: %s", endpoint, envelope.Error)}
		}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(err, "exmo: %s: decode response", endpoint)
		}
	}
	return nil
}

// publicGet 执行公共 GET
func (c *ExmoClient) publicGet(ctx context.Context, endpoint string, params map[string]string, out interface{}) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(endpoint)
	if err != nil {
		return Transient(err, "exmo: "+endpoint)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
		return Transient(fmt.Errorf("status %d", resp.StatusCode()), "exmo: "+endpoint)
	}
	if resp.StatusCode() >= 400 {
		return &RejectionError{Message: fmt.Sprintf("%s: status %d", endpoint, resp.StatusCode())}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "exmo: %s: decode response", endpoint)
	}
	return nil
}

// CreateOrder 提交限价单
func (c *ExmoClient) CreateOrder(ctx context.Context, pair string, quantity, price float64, side OrderSide) (*OrderResult, error) {
	params := url.Values{}
	params.Set("pair", pair)
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	params.Set("type", string(side))

	var resp struct {
		OrderID int64 `json:"order_id"`
	}
	if err := c.privatePost(ctx, "/order_create", params, &resp); err != nil {
		return nil, err
	}
	exmoLog.Infof("order created: pair=%s side=%s qty=%.6f price=%.8f order_id=%d",
		pair, side, quantity, price, resp.OrderID)
	return &OrderResult{OrderID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

// CancelOrder 撤销订单
func (c *ExmoClient) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)
	return c.privatePost(ctx, "/order_cancel", params, nil)
}

// GetBalance 返回币种可用余额
func (c *ExmoClient) GetBalance(ctx context.Context, currency string) (float64, error) {
	var resp struct {
		Balances map[string]string `json:"balances"`
	}
	if err := c.privatePost(ctx, "/user_info", nil, &resp); err != nil {
		return 0, err
	}
	raw, ok := resp.Balances[currency]
	if !ok {
		return 0, nil
	}
	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "exmo: parse balance %q", raw)
	}
	return balance, nil
}

// GetTrades 返回本账户在交易对上的成交历史
func (c *ExmoClient) GetTrades(ctx context.Context, pair string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("pair", pair)
	params.Set("limit", strconv.Itoa(limit))

	var resp map[string][]exmoTrade
	if err := c.privatePost(ctx, "/user_trades", params, &resp); err != nil {
		return nil, err
	}
	rows := resp[pair]
	trades := make([]domain.Trade, 0, len(rows))
	for i, row := range rows {
		trade, err := row.toDomain()
		if err != nil {
			exmoLog.Warnf("skip malformed trade %d: %v", i, err)
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// GetTicker 返回最新成交价
func (c *ExmoClient) GetTicker(ctx context.Context, pair string) (float64, error) {
	var resp map[string]struct {
		LastTrade string `json:"last_trade"`
	}
	if err := c.publicGet(ctx, "/ticker", nil, &resp); err != nil {
		return 0, err
	}
	entry, ok := resp[pair]
	if !ok {
		return 0, &RejectionError{Message: fmt.Sprintf("ticker: unknown pair %s", pair)}
	}
	price, err := strconv.ParseFloat(entry.LastTrade, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "exmo: parse last_trade %q", entry.LastTrade)
	}
	return price, nil
}

// exmoTrade user_trades 返回的原始行，数值是字符串
type exmoTrade struct {
	TradeID          int64       `json:"trade_id"`
	Date             int64       `json:"date"`
	Type             string      `json:"type"`
	Quantity         json.Number `json:"quantity"`
	Price            json.Number `json:"price"`
	Amount           json.Number `json:"amount"`
	CommissionAmount json.Number `json:"commission_amount"`
}

func (r exmoTrade) toDomain() (domain.Trade, error) {
	quantity, err := r.Quantity.Float64()
	if err != nil {
		return domain.Trade{}, errors.Wrap(err, "quantity")
	}
	price, err := r.Price.Float64()
	if err != nil {
		return domain.Trade{}, errors.Wrap(err, "price")
	}
	amount, err := r.Amount.Float64()
	if err != nil {
		return domain.Trade{}, errors.Wrap(err, "amount")
	}
	commission, _ := r.CommissionAmount.Float64()

	ts := domain.NormalizeTimestamp(r.Date)
	tradeType := domain.TradeTypeBuy
	if r.Type == "sell" {
		tradeType = domain.TradeTypeSell
	}
	return domain.Trade{
		Date:       time.Unix(ts, 0),
		Timestamp:  ts,
		Type:       tradeType,
		Quantity:   quantity,
		Price:      price,
		Amount:     amount,
		Commission: commission,
	}, nil
}
