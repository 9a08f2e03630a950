package wechatpay

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const signField = "sign"

// tradeNoMaxLen is the gateway's ceiling for out_trade_no; longer values
// are truncated or rejected on the gateway side.
const tradeNoMaxLen = 32

// Canonicalize builds the string-to-sign: empty values and the sign field
// are dropped, remaining keys sorted lexicographically and joined as
// key=value& pairs, then key=<secret> is appended.
func Canonicalize(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == signField || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	b.WriteString("key=")
	b.WriteString(key)
	return b.String()
}

// Sign returns the uppercase hex MD5 digest of the canonical string.
// Identical params and key always yield the identical signature.
func Sign(params map[string]string, key string) string {
	sum := md5.Sum([]byte(Canonicalize(params, key)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify recomputes the signature and compares it against the provided one.
// A mismatch is a plain false, never an error.
func Verify(params map[string]string, provided, key string) bool {
	if provided == "" {
		return false
	}
	want := Sign(params, key)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToUpper(provided))) == 1
}

// NonceStr returns a 32-character random nonce for request params.
func NonceStr() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TradeNo derives the gateway-facing order reference from the order id and
// its creation time: "O" + last 8 of the compact id + last 8 digits of the
// unix-millisecond timestamp. Deterministic, minted once per order.
func TradeNo(orderID string, at time.Time) string {
	compact := strings.ReplaceAll(orderID, "-", "")
	if len(compact) > 8 {
		compact = compact[len(compact)-8:]
	}
	millis := strconv.FormatInt(at.UnixMilli(), 10)
	if len(millis) > 8 {
		millis = millis[len(millis)-8:]
	}
	no := "O" + compact + millis
	if len(no) > tradeNoMaxLen {
		no = no[:tradeNoMaxLen]
	}
	return no
}
