package wechatpay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testKey = "8934e7d15453e97507ef794cf7b0519d"

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		AppID:     "wx7a3e29b82bad702d",
		MchID:     "1900000109",
		APIKey:    testKey,
		NotifyURL: "https://example.com/payments/notify",
		Timeout:   2 * time.Second,
	}
}

func readEnvelope(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	params, err := DecodeEnvelope(string(body))
	if err != nil {
		t.Fatalf("decode request envelope: %v", err)
	}
	return params
}

func signedReply(params map[string]string, key string) string {
	params["sign"] = Sign(params, key)
	return EncodeEnvelope(params)
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		price string
		want  int64
	}{
		{"88.00", 8800},
		{"0.01", 1},
		{"12.345", 1235},
		{"9.999", 1000},
		{"0", 0},
	}
	for _, tc := range cases {
		price, err := decimal.NewFromString(tc.price)
		if err != nil {
			t.Fatalf("bad case price %q: %v", tc.price, err)
		}
		if got := MinorUnits(price); got != tc.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	var seen map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != unifiedOrderPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = readEnvelope(t, r)
		if !Verify(seen, seen["sign"], testKey) {
			t.Error("request signature does not verify")
		}
		io.WriteString(w, signedReply(map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"appid":       seen["appid"],
			"mch_id":      seen["mch_id"],
			"nonce_str":   "replynonce",
			"prepay_id":   "wx201410272009395522657a690389285100",
			"trade_type":  "JSAPI",
		}, testKey))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	prepay, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
		OutTradeNo: "Oabc1234512345678",
		Body:       "dog walking",
		Price:      decimal.RequireFromString("88.00"),
		PayerID:    "openid-receiver",
		ClientIP:   "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("create payment intent: %v", err)
	}

	if seen["out_trade_no"] != "Oabc1234512345678" {
		t.Errorf("out_trade_no = %q", seen["out_trade_no"])
	}
	if seen["total_fee"] != "8800" {
		t.Errorf("total_fee = %q, want 8800", seen["total_fee"])
	}
	if seen["trade_type"] != "JSAPI" {
		t.Errorf("trade_type = %q", seen["trade_type"])
	}
	if seen["openid"] != "openid-receiver" {
		t.Errorf("openid = %q", seen["openid"])
	}
	if seen["notify_url"] == "" || seen["nonce_str"] == "" {
		t.Error("notify_url and nonce_str are required")
	}

	if prepay.PrepayID != "wx201410272009395522657a690389285100" {
		t.Errorf("prepay id = %q", prepay.PrepayID)
	}
	if prepay.Package != "prepay_id="+prepay.PrepayID {
		t.Errorf("package = %q", prepay.Package)
	}
	payParams := map[string]string{
		"timeStamp": prepay.TimeStamp,
		"nonceStr":  prepay.NonceStr,
		"package":   prepay.Package,
		"signType":  prepay.SignType,
	}
	if !Verify(payParams, prepay.PaySign, testKey) {
		t.Error("client pay params signature does not verify")
	}
}

func TestCreatePaymentIntentForgedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"prepay_id":   "forged",
			"sign":        "0123456789ABCDEF0123456789ABCDEF",
		}
		io.WriteString(w, EncodeEnvelope(reply))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	_, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
		OutTradeNo: "O1",
		Price:      decimal.RequireFromString("1.00"),
	})
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("want ErrGateway for forged response, got %v", err)
	}
}

func TestCreatePaymentIntentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, signedReply(map[string]string{
			"return_code":  "SUCCESS",
			"result_code":  "FAIL",
			"err_code_des": "insufficient balance",
		}, testKey))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	_, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
		OutTradeNo: "O1",
		Price:      decimal.RequireFromString("1.00"),
	})
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("want ErrGateway, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient balance") {
		t.Fatalf("error should carry the gateway message, got %v", err)
	}
}

func TestCreatePaymentIntentUnsignedRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, EncodeEnvelope(map[string]string{
			"return_code":  "SUCCESS",
			"result_code":  "FAIL",
			"err_code_des": "attacker controlled text",
		}))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	_, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
		OutTradeNo: "O1",
		Price:      decimal.RequireFromString("1.00"),
	})
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("want ErrGateway, got %v", err)
	}
	if strings.Contains(err.Error(), "attacker controlled text") {
		t.Fatalf("unverified response text must not surface, got %v", err)
	}
}

func TestCreatePaymentIntentNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(testConfig(srv.URL))
	_, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
		OutTradeNo: "O1",
		Price:      decimal.RequireFromString("1.00"),
	})
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("want ErrGateway, got %v", err)
	}
}

func TestQueryPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != orderQueryPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		params := readEnvelope(t, r)
		if !Verify(params, params["sign"], testKey) {
			t.Error("request signature does not verify")
		}
		io.WriteString(w, signedReply(map[string]string{
			"return_code":    "SUCCESS",
			"result_code":    "SUCCESS",
			"trade_state":    "SUCCESS",
			"transaction_id": "4200001234",
			"total_fee":      "8800",
			"time_end":       "20250601120305",
		}, testKey))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	state, err := client.QueryPayment(context.Background(), "Oabc1234512345678")
	if err != nil {
		t.Fatalf("query payment: %v", err)
	}
	if state.State != TradeStateSuccess {
		t.Errorf("state = %q", state.State)
	}
	if state.TransactionID != "4200001234" {
		t.Errorf("transaction id = %q", state.TransactionID)
	}
	if state.TotalFee != 8800 {
		t.Errorf("total fee = %d", state.TotalFee)
	}
	if state.PaidAt == nil {
		t.Error("paid at should be parsed from time_end")
	}
}

func TestQueryPaymentUnsignedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, EncodeEnvelope(map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"trade_state": "SUCCESS",
		}))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	if _, err := client.QueryPayment(context.Background(), "O1"); !errors.Is(err, ErrGateway) {
		t.Fatalf("unsigned query result must not be trusted, got %v", err)
	}
}

func TestClosePayment(t *testing.T) {
	var gotTradeNo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != closeOrderPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		params := readEnvelope(t, r)
		gotTradeNo = params["out_trade_no"]
		io.WriteString(w, signedReply(map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
		}, testKey))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL))
	if err := client.ClosePayment(context.Background(), "Oclose123"); err != nil {
		t.Fatalf("close payment: %v", err)
	}
	if gotTradeNo != "Oclose123" {
		t.Errorf("out_trade_no = %q", gotTradeNo)
	}
}

func TestSandboxSignKeyExchange(t *testing.T) {
	const sandboxKey = "sandboxsignkey0000000000000000aa"
	var keyFetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case sandboxSignKeyPath:
			keyFetches++
			params := readEnvelope(t, r)
			if !Verify(params, params["sign"], testKey) {
				t.Error("signkey request must be signed with the merchant key")
			}
			io.WriteString(w, EncodeEnvelope(map[string]string{
				"return_code":     "SUCCESS",
				"sandbox_signkey": sandboxKey,
			}))
		case sandboxUnifiedOrderPath:
			params := readEnvelope(t, r)
			if !Verify(params, params["sign"], sandboxKey) {
				t.Error("sandbox unified order must be signed with the sandbox key")
			}
			io.WriteString(w, signedReply(map[string]string{
				"return_code": "SUCCESS",
				"result_code": "SUCCESS",
				"prepay_id":   "sandboxprepay",
			}, sandboxKey))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sandbox = true
	client := NewClient(cfg)

	for i := 0; i < 2; i++ {
		prepay, err := client.CreatePaymentIntent(context.Background(), IntentRequest{
			OutTradeNo: "Osandbox1",
			Price:      decimal.RequireFromString("0.01"),
		})
		if err != nil {
			t.Fatalf("sandbox create payment intent: %v", err)
		}
		if prepay.PrepayID != "sandboxprepay" {
			t.Errorf("prepay id = %q", prepay.PrepayID)
		}
	}
	if keyFetches != 1 {
		t.Errorf("sandbox key fetched %d times, want cached after 1", keyFetches)
	}
}
