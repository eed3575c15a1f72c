package origin

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	edgeerrors "github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
)

// ProtocolPolicy controls which scheme the edge uses toward a dynamic origin.
type ProtocolPolicy int

const (
	// HTTPSOnly always dials HTTPS, whatever the viewer used.
	HTTPSOnly ProtocolPolicy = iota
	// HTTPOrHTTPS follows the viewer's scheme.
	HTTPOrHTTPS
)

func (p ProtocolPolicy) String() string {
	if p == HTTPOrHTTPS {
		return "http-or-https"
	}
	return "https-only"
}

// ParseProtocolPolicy parses a config value; empty means https-only.
func ParseProtocolPolicy(s string) (ProtocolPolicy, error) {
	switch strings.ToLower(s) {
	case "", "https-only":
		return HTTPSOnly, nil
	case "http-or-https":
		return HTTPOrHTTPS, nil
	}
	return 0, fmt.Errorf("invalid protocol_policy %q", s)
}

// errServerStatus marks a 5xx origin response as a breaker failure. The
// response itself is still returned to the viewer.
var errServerStatus = errors.New("origin returned server error")

// Dynamic proxies requests to an HTTPS service, or to a function when
// configured with one.
type Dynamic struct {
	id       string
	address  string
	policy   ProtocolPolicy
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	function string
}

// NewDynamic builds a dynamic origin. With cfg.Function set, requests are
// turned into function invocations instead of HTTP calls.
func NewDynamic(ctx context.Context, cfg config.OriginConfig) (*Dynamic, error) {
	var rt http.RoundTripper
	if cfg.Function.Name != "" {
		ft, err := newFunctionTransport(ctx, cfg.Function)
		if err != nil {
			return nil, fmt.Errorf("dynamic origin %s: %w", cfg.ID, err)
		}
		rt = ft
	} else {
		t, err := NewTransport(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("dynamic origin %s: %w", cfg.ID, err)
		}
		rt = t
	}
	return NewDynamicWithTransport(cfg, rt)
}

// NewDynamicWithTransport builds a dynamic origin over an explicit transport.
func NewDynamicWithTransport(cfg config.OriginConfig, rt http.RoundTripper) (*Dynamic, error) {
	policy, err := ParseProtocolPolicy(cfg.ProtocolPolicy)
	if err != nil {
		return nil, fmt.Errorf("dynamic origin %s: %w", cfg.ID, err)
	}
	d := &Dynamic{
		id:       cfg.ID,
		address:  cfg.Address,
		policy:   policy,
		timeout:  cfg.Timeout,
		function: cfg.Function.Name,
		client: &http.Client{
			Transport: rt,
			// Redirects go back to the viewer verbatim.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.address == "" {
		d.address = functionHost
	}
	if cfg.CircuitBreaker.Enabled {
		d.breaker = newBreaker(cfg.ID, cfg.CircuitBreaker)
	}
	return d, nil
}

func newBreaker(id string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:     id,
		Interval: cfg.Interval,
		Timeout:  timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Origin circuit breaker state changed",
				zap.String("origin", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (d *Dynamic) ID() string { return d.id }

func (d *Dynamic) Kind() Kind { return KindDynamic }

// Policy returns the origin protocol policy.
func (d *Dynamic) Policy() ProtocolPolicy { return d.policy }

// BreakerState reports the circuit breaker state, or "disabled".
func (d *Dynamic) BreakerState() string {
	if d.breaker == nil {
		return "disabled"
	}
	return d.breaker.State().String()
}

// Fetch forwards req to the origin. The Host header is rewritten to the
// origin address. Timeouts surface as 504, other transport failures and an
// open breaker as 502.
func (d *Dynamic) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)

	out, err := d.outbound(ctx, req)
	if err != nil {
		cancel()
		return nil, edgeerrors.WrapKind(edgeerrors.ErrBadGateway, err)
	}

	do := func() (*http.Response, error) {
		resp, err := d.client.Do(out)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	}

	var resp *http.Response
	if d.breaker != nil {
		resp, err = d.breaker.Execute(do)
	} else {
		resp, err = do()
	}
	if errors.Is(err, errServerStatus) {
		err = nil
	}
	if err != nil {
		cancel()
		return nil, d.classify(err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (d *Dynamic) outbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	scheme := "https"
	if d.policy == HTTPOrHTTPS && req.TLS == nil {
		scheme = "http"
	}
	target := scheme + "://" + d.address + req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	body := req.Body
	if req.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("dynamic origin %s: build request: %w", d.id, err)
	}
	out.ContentLength = req.ContentLength
	out.GetBody = req.GetBody
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Host = d.address

	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	viewerScheme := "http"
	if req.TLS != nil {
		viewerScheme = "https"
	}
	out.Header.Set("X-Forwarded-Proto", viewerScheme)
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	return out, nil
}

func (d *Dynamic) classify(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return edgeerrors.WrapKind(edgeerrors.ErrBadGateway, fmt.Errorf("dynamic origin %s: %w", d.id, err))
	case isTimeout(err):
		return edgeerrors.WrapKind(edgeerrors.ErrGatewayTimeout, fmt.Errorf("dynamic origin %s: %w", d.id, err))
	default:
		return edgeerrors.WrapKind(edgeerrors.ErrBadGateway, fmt.Errorf("dynamic origin %s: %w", d.id, err))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close releases idle connections.
func (d *Dynamic) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// NewTransport builds the HTTPS transport for a dynamic origin. The TLS floor
// defaults to 1.2; certificates are always verified unless explicitly disabled.
func NewTransport(cfg config.TLSConfig) (*http.Transport, error) {
	minVersion, err := ParseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca_file %s: no certificates found", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// ParseTLSVersion maps "1.2"/"1.3" to a tls version constant; empty is 1.2.
func ParseTLSVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS min_version %q (use 1.2 or 1.3)", v)
}
