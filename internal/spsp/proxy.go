// Package spsp issues receipt nonces by proxying SPSP discovery requests to
// an upstream endpoint that supports STREAM receipts.
package spsp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidahmann/receipt-verifier/internal/crypto"
	"github.com/davidahmann/receipt-verifier/internal/ledger"
	"github.com/davidahmann/receipt-verifier/internal/metrics"
)

const (
	// ContentType is the SPSP v4 media type callers must accept.
	ContentType = "application/spsp4+json"

	HeaderNonce  = "Receipt-Nonce"
	HeaderSecret = "Receipt-Secret"

	defaultMaxBodyBytes = 64 << 10
	defaultTimeout      = 10 * time.Second
	wellKnownPath       = "/.well-known/pay"
)

// Registrar records issued nonces. *ledger.Ledger satisfies it.
type Registrar interface {
	RegisterNonce(ctx context.Context, nonce string, meta ledger.NonceMetadata, ttl time.Duration) error
}

type Config struct {
	Seed []byte
	TTL  time.Duration
	// Endpoint sends every request to one upstream. EndpointsURL looks the
	// upstream up by the request path instead. With neither set the path
	// itself must be a payment pointer or URL.
	Endpoint     string
	EndpointsURL string
	MaxBodyBytes int64
	// PointerScheme is the scheme payment pointers resolve to, "https"
	// unless overridden for plain-HTTP test upstreams.
	PointerScheme string
	HTTPClient    *http.Client
}

// Target is a resolved upstream.
type Target struct {
	Endpoint string
	SPSPID   string
}

// Response is an upstream response buffered for inspection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Proxy struct {
	cfg       Config
	registrar Registrar
	client    *http.Client
	logger    *zap.Logger
}

func New(cfg Config, registrar Registrar, logger *zap.Logger) *Proxy {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.PointerScheme == "" {
		cfg.PointerScheme = "https"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{cfg: cfg, registrar: registrar, client: client, logger: logger}
}

// Handle resolves the upstream for path and forwards the request to it.
func (p *Proxy) Handle(ctx context.Context, path string, inbound http.Header) (*Response, error) {
	target, err := p.Resolve(ctx, path)
	if err != nil {
		p.count(err)
		return nil, err
	}
	resp, err := p.Forward(ctx, target, inbound)
	p.count(err)
	return resp, err
}

// Resolve maps a request path to its upstream endpoint.
func (p *Proxy) Resolve(ctx context.Context, path string) (Target, error) {
	switch {
	case p.cfg.EndpointsURL != "":
		id := strings.TrimPrefix(path, "/")
		endpoint, err := p.lookup(ctx, id)
		if err != nil {
			return Target{}, err
		}
		return p.target(endpoint, id)
	case p.cfg.Endpoint != "":
		return p.target(p.cfg.Endpoint, "")
	default:
		return p.target(strings.TrimPrefix(path, "/"), "")
	}
}

// Forward sends a GET to target carrying a fresh nonce and its secret. The
// upstream response is relayed only when it declares receipts_enabled, in
// which case the nonce is registered first.
func (p *Proxy) Forward(ctx context.Context, target Target, inbound http.Header) (*Response, error) {
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	secret := crypto.GenerateReceiptSecret(p.cfg.Seed, nonce[:])
	nonceStr := base64.StdEncoding.EncodeToString(nonce[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrEndpointNotFound, "build request: %v", err)
	}
	copyHeaders(req.Header, inbound)
	req.Header.Set("Accept", ContentType)
	req.Header.Set(HeaderNonce, nonceStr)
	req.Header.Set(HeaderSecret, base64.StdEncoding.EncodeToString(secret))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "%v", err)
	}
	defer resp.Body.Close()

	body, err := p.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	var caps struct {
		ReceiptsEnabled bool `json:"receipts_enabled"`
	}
	if err := json.Unmarshal(body, &caps); err != nil || !caps.ReceiptsEnabled {
		return nil, ErrReceiptsDisabled
	}

	meta := ledger.NonceMetadata{SPSPEndpoint: target.Endpoint, SPSPID: target.SPSPID}
	if err := p.registrar.RegisterNonce(ctx, nonceStr, meta, p.cfg.TTL); err != nil {
		return nil, errors.Wrapf(ErrRegister, "%v", err)
	}
	p.logger.Debug("issued receipt nonce",
		zap.String("nonce", nonceStr),
		zap.String("spsp_endpoint", target.Endpoint),
		zap.String("spsp_id", target.SPSPID),
	)

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (p *Proxy) lookup(ctx context.Context, id string) (string, error) {
	endpointsURL := p.cfg.EndpointsURL + "?id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointsURL, nil)
	if err != nil {
		return "", errors.Wrapf(ErrEndpointNotFound, "build lookup: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(ErrUpstream, "lookup %s: %v", id, err)
	}
	defer resp.Body.Close()

	body, err := p.readBody(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("spsp endpoint lookup failed",
			zap.String("id", id),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return "", ErrEndpointNotFound
	}
	return strings.TrimSpace(string(body)), nil
}

func (p *Proxy) target(endpoint, id string) (Target, error) {
	resolved := ResolvePointer(endpoint, p.cfg.PointerScheme)
	u, err := url.Parse(resolved)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Target{}, ErrEndpointNotFound
	}
	return Target{Endpoint: resolved, SPSPID: id}, nil
}

func (p *Proxy) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "read body: %v", err)
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		return nil, ErrUpstreamTooLarge
	}
	return body, nil
}

func (p *Proxy) count(err error) {
	result := "relayed"
	switch {
	case err == nil:
	case errors.Is(err, ErrEndpointNotFound):
		result = "not_found"
	case errors.Is(err, ErrReceiptsDisabled):
		result = "disabled"
	case errors.Is(err, ErrRegister):
		result = "store_error"
	default:
		result = "upstream_error"
	}
	metrics.ProxyRequestsTotal.WithLabelValues(result).Inc()
}

// ResolvePointer turns a payment pointer ($host/path) into its URL. An
// empty path resolves to /.well-known/pay. Other strings are returned as is.
func ResolvePointer(pointer, scheme string) string {
	if !strings.HasPrefix(pointer, "$") {
		return pointer
	}
	u, err := url.Parse(scheme + "://" + pointer[1:])
	if err != nil {
		return pointer
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = wellKnownPath
	}
	return u.String()
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	// The transport negotiates its own encoding so the body can be inspected.
	"Accept-Encoding": true,
}

// copyHeaders copies end-to-end headers. Caller-supplied receipt headers are
// dropped so only the proxy can set them.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || ck == HeaderNonce || ck == HeaderSecret {
			continue
		}
		for _, v := range vs {
			dst.Add(ck, v)
		}
	}
}
