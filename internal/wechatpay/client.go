package wechatpay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrGateway covers network failures, timeouts and malformed or unsigned
// gateway responses. Callers may retry with the same out_trade_no.
var ErrGateway = errors.New("wechatpay: gateway error")

const (
	unifiedOrderPath = "/pay/unifiedorder"
	orderQueryPath   = "/pay/orderquery"
	closeOrderPath   = "/pay/closeorder"

	sandboxUnifiedOrderPath = "/sandboxnew/pay/unifiedorder"
	sandboxSignKeyPath      = "/sandboxnew/pay/getsignkey"

	codeSuccess = "SUCCESS"

	timeEndLayout = "20060102150405"
)

// Trade states reported by the order query endpoint.
const (
	TradeStateSuccess  = "SUCCESS"
	TradeStateNotPay   = "NOTPAY"
	TradeStateUserPay  = "USERPAYING"
	TradeStateClosed   = "CLOSED"
	TradeStateRevoked  = "REVOKED"
	TradeStatePayError = "PAYERROR"
	TradeStateRefund   = "REFUND"
)

// Config carries the merchant credentials and environment selection for one
// gateway client. It is injected at construction; there is no global.
type Config struct {
	BaseURL   string
	AppID     string
	MchID     string
	APIKey    string
	NotifyURL string
	TradeType string
	Sandbox   bool
	Timeout   time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client

	mu         sync.Mutex
	sandboxKey string
}

func NewClient(cfg Config) *Client {
	if cfg.TradeType == "" {
		cfg.TradeType = "JSAPI"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// IntentRequest describes one payment intent to place with the gateway.
type IntentRequest struct {
	OutTradeNo string
	Body       string
	Price      decimal.Decimal
	PayerID    string
	ClientIP   string
}

// Prepay holds the gateway-issued prepay credential plus the signed client
// pay parameters handed back to the caller.
type Prepay struct {
	PrepayID  string
	TimeStamp string
	NonceStr  string
	Package   string
	SignType  string
	PaySign   string
}

// TradeState is the normalized result of an order query.
type TradeState struct {
	State         string
	TransactionID string
	TotalFee      int64
	PaidAt        *time.Time
}

// MinorUnits converts a major-unit decimal amount to the gateway's integer
// minor units. This is the single conversion point; nothing downstream
// re-derives it.
func MinorUnits(price decimal.Decimal) int64 {
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreatePaymentIntent places a unified order with the gateway and returns
// the prepay credential. The response signature is verified before any
// field is trusted; unsigned or malformed responses fail with ErrGateway
// and no state is derived from them.
func (c *Client) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Prepay, error) {
	key, err := c.signKey(ctx)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if body == "" {
		body = "community service"
	}
	params := map[string]string{
		"appid":            c.cfg.AppID,
		"mch_id":           c.cfg.MchID,
		"nonce_str":        NonceStr(),
		"body":             body,
		"out_trade_no":     req.OutTradeNo,
		"total_fee":        strconv.FormatInt(MinorUnits(req.Price), 10),
		"spbill_create_ip": req.ClientIP,
		"notify_url":       c.cfg.NotifyURL,
		"trade_type":       c.cfg.TradeType,
		"openid":           req.PayerID,
	}
	params[signField] = Sign(params, key)

	path := unifiedOrderPath
	if c.cfg.Sandbox {
		path = sandboxUnifiedOrderPath
	}
	result, err := c.post(ctx, path, params)
	if err != nil {
		return nil, err
	}
	// Nothing from the response, error text included, is consumed before
	// the signature checks out.
	if !Verify(result, result[signField], key) {
		return nil, fmt.Errorf("%w: unverified response", ErrGateway)
	}
	if result["return_code"] != codeSuccess || result["result_code"] != codeSuccess {
		return nil, fmt.Errorf("%w: unified order rejected: %s", ErrGateway, resultMessage(result))
	}
	prepayID := result["prepay_id"]
	if prepayID == "" {
		return nil, fmt.Errorf("%w: response missing prepay_id", ErrGateway)
	}

	payParams := map[string]string{
		"timeStamp": strconv.FormatInt(time.Now().Unix(), 10),
		"nonceStr":  NonceStr(),
		"package":   "prepay_id=" + prepayID,
		"signType":  "MD5",
	}
	payParams["paySign"] = Sign(payParams, key)

	return &Prepay{
		PrepayID:  prepayID,
		TimeStamp: payParams["timeStamp"],
		NonceStr:  payParams["nonceStr"],
		Package:   payParams["package"],
		SignType:  payParams["signType"],
		PaySign:   payParams["paySign"],
	}, nil
}

// QueryPayment probes the gateway for the authoritative trade state of one
// out_trade_no. Read-only; used by the reconciliation sweep.
func (c *Client) QueryPayment(ctx context.Context, outTradeNo string) (*TradeState, error) {
	params := map[string]string{
		"appid":        c.cfg.AppID,
		"mch_id":       c.cfg.MchID,
		"out_trade_no": outTradeNo,
		"nonce_str":    NonceStr(),
	}
	params[signField] = Sign(params, c.cfg.APIKey)

	result, err := c.post(ctx, orderQueryPath, params)
	if err != nil {
		return nil, err
	}
	// The query result can settle a payment, so it gets the same signature
	// check as a callback, before any field is read.
	if !Verify(result, result[signField], c.cfg.APIKey) {
		return nil, fmt.Errorf("%w: unverified response", ErrGateway)
	}
	if result["return_code"] != codeSuccess || result["result_code"] != codeSuccess {
		return nil, fmt.Errorf("%w: order query rejected: %s", ErrGateway, resultMessage(result))
	}

	state := &TradeState{
		State:         result["trade_state"],
		TransactionID: result["transaction_id"],
	}
	if v := result["total_fee"]; v != "" {
		fee, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad total_fee %q", ErrGateway, v)
		}
		state.TotalFee = fee
	}
	if v := result["time_end"]; v != "" {
		if t, err := time.ParseInLocation(timeEndLayout, v, time.Local); err == nil {
			utc := t.UTC()
			state.PaidAt = &utc
		}
	}
	return state, nil
}

// ClosePayment cancels an unconsumed payment intent at the gateway.
func (c *Client) ClosePayment(ctx context.Context, outTradeNo string) error {
	params := map[string]string{
		"appid":        c.cfg.AppID,
		"mch_id":       c.cfg.MchID,
		"out_trade_no": outTradeNo,
		"nonce_str":    NonceStr(),
	}
	params[signField] = Sign(params, c.cfg.APIKey)

	result, err := c.post(ctx, closeOrderPath, params)
	if err != nil {
		return err
	}
	if !Verify(result, result[signField], c.cfg.APIKey) {
		return fmt.Errorf("%w: unverified response", ErrGateway)
	}
	if result["return_code"] != codeSuccess {
		return fmt.Errorf("%w: close order rejected: %s", ErrGateway, resultMessage(result))
	}
	return nil
}

// signKey returns the key used to sign unified-order exchanges. The sandbox
// issues its own signing key through a dedicated endpoint; it is fetched
// once and cached.
func (c *Client) signKey(ctx context.Context) (string, error) {
	if !c.cfg.Sandbox {
		return c.cfg.APIKey, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sandboxKey != "" {
		return c.sandboxKey, nil
	}

	params := map[string]string{
		"mch_id":    c.cfg.MchID,
		"nonce_str": NonceStr(),
	}
	params[signField] = Sign(params, c.cfg.APIKey)

	result, err := c.post(ctx, sandboxSignKeyPath, params)
	if err != nil {
		return "", err
	}
	if result["return_code"] != codeSuccess || result["sandbox_signkey"] == "" {
		return "", fmt.Errorf("%w: sandbox signkey exchange failed: %s", ErrGateway, resultMessage(result))
	}
	c.sandboxKey = result["sandbox_signkey"]
	return c.sandboxKey, nil
}

func (c *Client) post(ctx context.Context, path string, params map[string]string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(EncodeEnvelope(params)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrGateway, resp.StatusCode)
	}

	result, err := DecodeEnvelope(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return result, nil
}

func resultMessage(result map[string]string) string {
	if v := result["err_code_des"]; v != "" {
		return v
	}
	if v := result["return_msg"]; v != "" {
		return v
	}
	return "no message"
}
