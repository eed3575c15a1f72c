package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/wudi/edgegate/internal/config"
	edgeerrors "github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/signing"
)

// DefaultTimeout bounds an origin fetch when the origin sets none.
const DefaultTimeout = 30 * time.Second

// Static serves objects from a blob bucket. When bound to an authenticator
// that enforces signing, unsigned or badly signed requests are refused with 403.
type Static struct {
	id         string
	bucketURL  string
	bucket     *blob.Bucket
	rootObject string
	timeout    time.Duration
	auth       *signing.Authenticator
}

// NewStatic opens the bucket named by cfg.Address (file://, mem://, s3://).
func NewStatic(ctx context.Context, cfg config.OriginConfig) (*Static, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("static origin %s: open bucket %s: %w", cfg.ID, cfg.Address, err)
	}
	s, err := NewStaticWithBucket(cfg, bucket)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return s, nil
}

// NewStaticWithBucket binds an already opened bucket. The Static takes
// ownership of it.
func NewStaticWithBucket(cfg config.OriginConfig, bucket *blob.Bucket) (*Static, error) {
	s := &Static{
		id:         cfg.ID,
		bucketURL:  cfg.Address,
		bucket:     bucket,
		rootObject: strings.TrimPrefix(cfg.DefaultRootObject, "/"),
		timeout:    cfg.Timeout,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if cfg.Signing != nil {
		auth, err := signing.New(cfg.ID, *cfg.Signing)
		if err != nil {
			return nil, fmt.Errorf("static origin %s: %w", cfg.ID, err)
		}
		s.auth = auth
	}
	return s, nil
}

func (s *Static) ID() string { return s.id }

func (s *Static) Kind() Kind { return KindStatic }

// DefaultRootObject returns the object served for "/" on the default behavior.
func (s *Static) DefaultRootObject() string { return s.rootObject }

// Authenticator returns the signing binding, or nil when the origin has none.
func (s *Static) Authenticator() *signing.Authenticator { return s.auth }

// Fetch reads the object keyed by the request path. Only GET and HEAD are
// served. A missing object is a 404 response, not an error.
func (s *Static) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		resp := errorResponse(req, edgeerrors.ErrMethodNotAllowed)
		resp.Header.Set("Allow", "GET, HEAD")
		return resp, nil
	}

	if s.auth != nil && s.auth.Enforced() {
		if err := s.auth.Verify(req); err != nil {
			logging.Debug("Static origin rejected request",
				zap.String("origin", s.id),
				zap.String("path", req.URL.Path),
				zap.Error(err),
			)
			return errorResponse(req, edgeerrors.ErrSignatureInvalid), nil
		}
	}

	key := strings.TrimPrefix(req.URL.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		return errorResponse(req, edgeerrors.ErrNotFound), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		cancel()
		return s.classify(req, key, err)
	}

	header := make(http.Header)
	if attrs.ContentType != "" {
		header.Set("Content-Type", attrs.ContentType)
	}
	header.Set("Content-Length", strconv.FormatInt(attrs.Size, 10))
	if attrs.ETag != "" {
		header.Set("ETag", attrs.ETag)
	}
	if !attrs.ModTime.IsZero() {
		header.Set("Last-Modified", attrs.ModTime.UTC().Format(http.TimeFormat))
	}
	if attrs.CacheControl != "" {
		header.Set("Cache-Control", attrs.CacheControl)
	}
	if attrs.ContentEncoding != "" {
		header.Set("Content-Encoding", attrs.ContentEncoding)
	}

	if attrs.ETag != "" && req.Header.Get("If-None-Match") == attrs.ETag {
		cancel()
		header.Del("Content-Length")
		return newResponse(req, http.StatusNotModified, header, nil), nil
	}

	if req.Method == http.MethodHead {
		cancel()
		resp := newResponse(req, http.StatusOK, header, nil)
		resp.ContentLength = attrs.Size
		return resp, nil
	}

	reader, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		cancel()
		return s.classify(req, key, err)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusOK, http.StatusText(http.StatusOK)),
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          &cancelOnClose{ReadCloser: reader, cancel: cancel},
		ContentLength: attrs.Size,
		Request:       req,
	}, nil
}

// classify maps a bucket error to a 404 response or an unavailability error.
func (s *Static) classify(req *http.Request, key string, err error) (*http.Response, error) {
	switch {
	case gcerrors.Code(err) == gcerrors.NotFound:
		return errorResponse(req, edgeerrors.ErrNotFound), nil
	case errors.Is(err, context.DeadlineExceeded) || gcerrors.Code(err) == gcerrors.DeadlineExceeded:
		return nil, edgeerrors.WrapKind(edgeerrors.ErrGatewayTimeout, fmt.Errorf("static origin %s: %s: %w", s.id, key, err))
	default:
		return nil, edgeerrors.WrapKind(edgeerrors.ErrBadGateway, fmt.Errorf("static origin %s: %s: %w", s.id, key, err))
	}
}

// ServeHTTP exposes the origin directly, as a bucket endpoint would be.
func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Fetch(r.Context(), r)
	if err != nil {
		if ee, ok := edgeerrors.IsEdgeError(err); ok {
			ee.WriteJSON(w)
			return
		}
		edgeerrors.ErrBadGateway.WriteJSON(w)
		return
	}
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

// Close closes the bucket.
func (s *Static) Close() error {
	return s.bucket.Close()
}

// cancelOnClose releases the fetch context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
	if len(body) > 0 && req.Method != http.MethodHead {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return resp
}

// errorResponse renders an EdgeError the way the edge writes it to viewers.
func errorResponse(req *http.Request, e *edgeerrors.EdgeError) *http.Response {
	body, _ := json.Marshal(e)
	body = append(body, '\n')
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return newResponse(req, e.Code, header, body)
}
