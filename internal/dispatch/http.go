package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chronoflow/internal/domain"
)

// Signature headers sent when a target names an HMAC key.
const (
	HeaderTimestamp = "X-Chronoflow-Timestamp"
	HeaderSignature = "X-Chronoflow-Signature"
)

const maxResponseBody = 64 << 10

// HTTP calls HTTP targets with a shared client and outbound rate limit.
type HTTP struct {
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.RWMutex
	keys map[string]string
}

// NewHTTP builds the HTTP caller. ratePerSec <= 0 disables limiting; keys maps
// hmacKeyRef names to secrets.
func NewHTTP(client *http.Client, ratePerSec float64, burst int, keys map[string]string) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	h := &HTTP{client: client, limiter: lim, now: time.Now}
	h.SetKeys(keys)
	return h
}

// SetKeys replaces the HMAC secrets.
func (h *HTTP) SetKeys(keys map[string]string) {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	h.mu.Lock()
	h.keys = cp
	h.mu.Unlock()
}

// SetRate changes the outbound limit in place.
func (h *HTTP) SetRate(ratePerSec float64, burst int) {
	if ratePerSec <= 0 {
		h.limiter.SetLimit(rate.Inf)
		return
	}
	h.limiter.SetLimit(rate.Limit(ratePerSec))
	h.limiter.SetBurst(max(burst, 1))
}

func (h *HTTP) key(ref string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	k, ok := h.keys[ref]
	return k, ok
}

// Do sends body to the target. Status codes >= 300 are failures; the
// response body is returned either way, truncated.
func (h *HTTP) Do(ctx context.Context, t domain.HTTPTarget, body []byte) (Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}
	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodPost
	}
	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, rd)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.HMACKeyRef != "" {
		secret, ok := h.key(t.HMACKeyRef)
		if !ok {
			return Result{}, fmt.Errorf("unknown hmac key %q", t.HMACKeyRef)
		}
		ts := strconv.FormatInt(h.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+Sign(secret, ts, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", method, t.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{StatusCode: resp.StatusCode, Body: respBody}
	if err != nil {
		return res, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return res, fmt.Errorf("%s %s: HTTP %d", method, t.URL, resp.StatusCode)
	}
	return res, nil
}

// Sign is hex(hmac_sha256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a "sha256=<hex>" signature header in constant time.
func Verify(secret, timestamp string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}
