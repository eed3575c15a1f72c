// Package signing authenticates edge-to-origin requests. The edge signs
// forwarded requests with a key derived from a shared secret; the static
// origin validates them and rejects anything that did not come through the
// edge.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/hkdf"

	"github.com/wudi/edgegate/internal/config"
)

const (
	// Algorithm names the signature scheme in the Authorization header.
	Algorithm = "EDGE-HMAC-SHA256"

	HeaderDate          = "X-Edge-Date"
	HeaderNonce         = "X-Edge-Nonce"
	HeaderContentSHA256 = "X-Edge-Content-Sha256"

	dateFormat  = "20060102T150405Z"
	scopeDay    = "20060102"
	terminator  = "edge_request"
	defaultAge  = 5 * time.Minute
	maxNonces   = 100_000
	minSecret   = 32
	keyLength   = 32
	defaultVers = "v1"
)

// signedHeaders is fixed and already in canonical (sorted, lower-case) order.
var signedHeaders = []string{"host", "x-edge-content-sha256", "x-edge-date", "x-edge-nonce"}

// Behavior controls when forwarded requests are signed.
type Behavior int

const (
	SignAlways Behavior = iota
	SignNever
	SignIfRequested
)

func (b Behavior) String() string {
	switch b {
	case SignNever:
		return "never"
	case SignIfRequested:
		return "if-requested"
	default:
		return "always"
	}
}

// ParseBehavior parses the configuration spelling of a signing behavior.
func ParseBehavior(s string) (Behavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always":
		return SignAlways, nil
	case "never":
		return SignNever, nil
	case "if-requested":
		return SignIfRequested, nil
	}
	return 0, fmt.Errorf("unknown signing behavior %q", s)
}

// Authenticator signs and validates requests for one static origin. It is
// safe for concurrent use.
type Authenticator struct {
	originID string
	keyID    string
	version  string
	secret   []byte
	behavior Behavior
	maxAge   time.Duration
	now      func() time.Time

	nonceMu sync.Mutex
	nonces  *expirable.LRU[string, struct{}]

	metrics Metrics
}

// Metrics tracks signing and validation outcomes.
type Metrics struct {
	Signed   atomic.Int64
	Skipped  atomic.Int64
	Verified atomic.Int64
	Rejected atomic.Int64
	Expired  atomic.Int64
	Replayed atomic.Int64
}

// Status is a point-in-time snapshot for the admin API.
type Status struct {
	OriginID string `json:"origin_id"`
	KeyID    string `json:"key_id"`
	Version  string `json:"protocol_version"`
	Behavior string `json:"behavior"`
	MaxAge   string `json:"max_age"`
	Signed   int64  `json:"signed"`
	Skipped  int64  `json:"skipped"`
	Verified int64  `json:"verified"`
	Rejected int64  `json:"rejected"`
	Expired  int64  `json:"expired"`
	Replayed int64  `json:"replayed"`
}

// New builds an Authenticator bound to originID.
func New(originID string, cfg config.SigningConfig) (*Authenticator, error) {
	behavior, err := ParseBehavior(cfg.Behavior)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	a := &Authenticator{
		originID: originID,
		keyID:    cfg.KeyID,
		version:  cfg.ProtocolVersion,
		behavior: behavior,
		maxAge:   cfg.MaxAge,
		now:      time.Now,
	}
	if a.version == "" {
		a.version = defaultVers
	}
	if a.maxAge <= 0 {
		a.maxAge = defaultAge
	}
	if strings.ContainsAny(a.version, "/ ,") {
		return nil, fmt.Errorf("signing: invalid protocol_version %q", a.version)
	}

	if behavior != SignNever {
		if a.keyID == "" {
			return nil, fmt.Errorf("signing: key_id is required")
		}
		if strings.ContainsAny(a.keyID, "/ ,") {
			return nil, fmt.Errorf("signing: invalid key_id %q", a.keyID)
		}
		secret, err := base64.StdEncoding.DecodeString(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("signing: invalid base64 secret: %w", err)
		}
		if len(secret) < minSecret {
			return nil, fmt.Errorf("signing: secret must be at least %d bytes (got %d)", minSecret, len(secret))
		}
		a.secret = secret
	}

	// A timestamp is accepted within ±maxAge, so a nonce must be remembered
	// for the full 2*maxAge span.
	a.nonces = expirable.NewLRU[string, struct{}](maxNonces, nil, 2*a.maxAge)
	return a, nil
}

// OriginID returns the origin this authenticator is bound to.
func (a *Authenticator) OriginID() string { return a.originID }

// Behavior returns the configured signing behavior.
func (a *Authenticator) Behavior() Behavior { return a.behavior }

// Enforced reports whether the origin must reject unsigned requests.
func (a *Authenticator) Enforced() bool { return a.behavior != SignNever }

// SignRequest signs r in place according to the behavior and reports whether
// a signature was added. The body, if any, is buffered and restored.
func (a *Authenticator) SignRequest(r *http.Request) (bool, error) {
	switch a.behavior {
	case SignNever:
		a.metrics.Skipped.Add(1)
		return false, nil
	case SignIfRequested:
		if r.Header.Get("Authorization") != "" {
			a.metrics.Skipped.Add(1)
			return false, nil
		}
	}

	payloadHash, err := hashBody(r)
	if err != nil {
		return false, fmt.Errorf("signing: %w", err)
	}

	now := a.now().UTC()
	r.Header.Set(HeaderDate, now.Format(dateFormat))
	r.Header.Set(HeaderNonce, uuid.NewString())
	r.Header.Set(HeaderContentSHA256, payloadHash)

	scope := a.scope(now)
	sig := a.signature(r, now, scope, payloadHash)
	r.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, a.keyID, scope, strings.Join(signedHeaders, ";"), sig))

	a.metrics.Signed.Add(1)
	return true, nil
}

// Validate reports whether r carries a valid, fresh, unreplayed signature.
func (a *Authenticator) Validate(r *http.Request) bool {
	return a.Verify(r) == nil
}

// Verify is Validate with the rejection reason.
func (a *Authenticator) Verify(r *http.Request) error {
	if a.secret == nil {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("signing disabled for origin %s", a.originID)
	}

	cred, err := parseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		a.metrics.Rejected.Add(1)
		return err
	}
	if cred.keyID != a.keyID {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("key id mismatch")
	}
	if cred.origin != a.originID || cred.version != a.version || cred.terminator != terminator {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("credential scope mismatch")
	}

	ts, err := time.Parse(dateFormat, r.Header.Get(HeaderDate))
	if err != nil {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("missing or malformed %s", HeaderDate)
	}
	if age := a.now().Sub(ts); age > a.maxAge || age < -a.maxAge {
		a.metrics.Expired.Add(1)
		return fmt.Errorf("request timestamp outside freshness window")
	}
	if cred.day != ts.UTC().Format(scopeDay) {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("credential date does not match %s", HeaderDate)
	}

	nonce := r.Header.Get(HeaderNonce)
	if nonce == "" {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("missing %s", HeaderNonce)
	}

	payloadHash, err := hashBody(r)
	if err != nil {
		a.metrics.Rejected.Add(1)
		return err
	}
	if !hmac.Equal([]byte(payloadHash), []byte(r.Header.Get(HeaderContentSHA256))) {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("payload hash mismatch")
	}

	expected := a.signature(r, ts.UTC(), a.scope(ts.UTC()), payloadHash)
	if !hmac.Equal([]byte(expected), []byte(cred.signature)) {
		a.metrics.Rejected.Add(1)
		return fmt.Errorf("signature mismatch")
	}

	// Nonces are recorded only after the signature checks out so unsigned
	// traffic cannot fill the cache.
	a.nonceMu.Lock()
	seen := a.nonces.Contains(nonce)
	if !seen {
		a.nonces.Add(nonce, struct{}{})
	}
	a.nonceMu.Unlock()
	if seen {
		a.metrics.Replayed.Add(1)
		return fmt.Errorf("nonce reused")
	}

	a.metrics.Verified.Add(1)
	return nil
}

// Status returns the admin snapshot.
func (a *Authenticator) Status() Status {
	return Status{
		OriginID: a.originID,
		KeyID:    a.keyID,
		Version:  a.version,
		Behavior: a.behavior.String(),
		MaxAge:   a.maxAge.String(),
		Signed:   a.metrics.Signed.Load(),
		Skipped:  a.metrics.Skipped.Load(),
		Verified: a.metrics.Verified.Load(),
		Rejected: a.metrics.Rejected.Load(),
		Expired:  a.metrics.Expired.Load(),
		Replayed: a.metrics.Replayed.Load(),
	}
}

func (a *Authenticator) scope(t time.Time) string {
	return t.Format(scopeDay) + "/" + a.originID + "/" + a.version + "/" + terminator
}

// signingKey derives the per-origin, per-day key.
func (a *Authenticator) signingKey(day string) []byte {
	kdf := hkdf.New(sha256.New, a.secret, []byte(day), []byte(a.originID+"/"+a.version))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf only fails past 255*HashLen bytes
		panic(err)
	}
	return key
}

func (a *Authenticator) signature(r *http.Request, t time.Time, scope, payloadHash string) string {
	canonical := canonicalRequest(r, payloadHash)
	sum := sha256.Sum256([]byte(canonical))

	var sts strings.Builder
	sts.WriteString(Algorithm)
	sts.WriteByte('\n')
	sts.WriteString(t.Format(dateFormat))
	sts.WriteByte('\n')
	sts.WriteString(scope)
	sts.WriteByte('\n')
	sts.WriteString(hex.EncodeToString(sum[:]))

	mac := hmac.New(sha256.New, a.signingKey(t.Format(scopeDay)))
	mac.Write([]byte(sts.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalRequest(r *http.Request, payloadHash string) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sb.WriteString(path)
	sb.WriteByte('\n')
	sb.WriteString(canonicalQuery(r.URL.Query()))
	sb.WriteByte('\n')
	for _, h := range signedHeaders {
		sb.WriteString(h)
		sb.WriteByte(':')
		if h == "host" {
			sb.WriteString(strings.ToLower(requestHost(r)))
		} else {
			sb.WriteString(strings.TrimSpace(r.Header.Get(h)))
		}
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	sb.WriteString(payloadHash)
	return sb.String()
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}

// hashBody returns the hex SHA-256 of the body and leaves r.Body readable.
func hashBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

type credential struct {
	keyID      string
	day        string
	origin     string
	version    string
	terminator string
	signature  string
}

// parseAuthorization parses
// "EDGE-HMAC-SHA256 Credential=k/d/o/v/edge_request, SignedHeaders=..., Signature=hex".
func parseAuthorization(h string) (credential, error) {
	var c credential
	rest, ok := strings.CutPrefix(h, Algorithm+" ")
	if !ok {
		return c, fmt.Errorf("missing or unsupported Authorization scheme")
	}
	var headers string
	for _, field := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return c, fmt.Errorf("malformed Authorization field %q", field)
		}
		switch k {
		case "Credential":
			parts := strings.Split(v, "/")
			if len(parts) != 5 {
				return c, fmt.Errorf("malformed credential")
			}
			c.keyID, c.day, c.origin, c.version, c.terminator = parts[0], parts[1], parts[2], parts[3], parts[4]
		case "SignedHeaders":
			headers = v
		case "Signature":
			c.signature = v
		}
	}
	if c.keyID == "" || c.signature == "" {
		return c, fmt.Errorf("incomplete Authorization header")
	}
	if headers != strings.Join(signedHeaders, ";") {
		return c, fmt.Errorf("unexpected signed headers %q", headers)
	}
	return c, nil
}
