// Package security verifies inbound webhook authenticity: HMAC signature,
// timestamp freshness and a per-IP sliding-window rate limit.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SignatureHeader = "X-Opal-Signature"
	TimestampHeader = "X-Opal-Timestamp"

	ReasonSignatureMismatch = "signature_mismatch"
	ReasonRateLimited       = "rate_limited"
	ReasonTimestampExpired  = "timestamp_expired"
)

var rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "opalsync_security_rejections_total",
	Help: "Webhook validations rejected, by reason.",
}, []string{"reason"})

type ClientInfo struct {
	IP        string
	UserAgent string
}

type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Score  int    `json:"security_score"`
}

type Validator struct {
	secret []byte
	window time.Duration
	max    int
	skew   time.Duration
	now    func() time.Time

	shards [rateShards]rateShard
}

type rateShard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

const rateShards = 16

func NewValidator(secret string, window time.Duration, max int, skew time.Duration) *Validator {
	v := &Validator{
		secret: []byte(secret),
		window: window,
		max:    max,
		skew:   skew,
		now:    time.Now,
	}
	for i := range v.shards {
		v.shards[i].hits = make(map[string][]time.Time)
	}
	return v
}

// Validate checks the raw payload against the signature header, enforces the
// rate limit for the client IP and scores the request 0-100. It is safe for
// concurrent use.
func (v *Validator) Validate(ctx context.Context, raw []byte, headers http.Header, client ClientInfo) Result {
	sigOK := v.checkSignature(raw, headers.Get(SignatureHeader))
	freshOK := v.checkFreshness(headers.Get(TimestampHeader))
	remaining := v.record(client.IP)
	rateOK := remaining >= 0

	score := 0
	if sigOK {
		score += 60
	}
	if freshOK {
		score += 25
	}
	if rateOK && v.max > 0 {
		score += 15 * remaining / v.max
	}

	res := Result{Valid: sigOK && freshOK && rateOK, Score: score}
	switch {
	case !rateOK:
		// Rate limiting wins over signature so abusive clients learn nothing
		// about secret validity.
		res.Reason = ReasonRateLimited
	case !sigOK:
		res.Reason = ReasonSignatureMismatch
	case !freshOK:
		res.Reason = ReasonTimestampExpired
	}

	if !res.Valid {
		rejections.WithLabelValues(res.Reason).Inc()
		slog.WarnContext(ctx, "webhook validation failed", "reason", res.Reason, "ip", client.IP, "score", score)
	}
	return res
}

func (v *Validator) checkSignature(raw []byte, header string) bool {
	if header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal is constant time.
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

func (v *Validator) checkFreshness(header string) bool {
	if header == "" {
		return false
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return false
	}
	ts := time.Unix(n, 0)
	if n > 1e12 { // millisecond timestamps
		ts = time.UnixMilli(n)
	}
	diff := v.now().Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= v.skew
}

// record registers a hit for ip and returns the remaining budget in the
// current window, or -1 when the limit is exceeded.
func (v *Validator) record(ip string) int {
	if v.max <= 0 {
		return 0
	}
	s := &v.shards[shardFor(ip)]
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := v.now().Add(-v.window)
	kept := s.hits[ip][:0]
	for _, t := range s.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= v.max {
		s.hits[ip] = kept
		return -1
	}
	kept = append(kept, v.now())
	s.hits[ip] = kept
	return v.max - len(kept)
}

func shardFor(ip string) int {
	h := 0
	for i := 0; i < len(ip); i++ {
		h = h*31 + int(ip[i])
	}
	if h < 0 {
		h = -h
	}
	return h % rateShards
}
