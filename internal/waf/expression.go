package waf

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// Env is the expression environment. Field names use dot notation via expr
// struct tags, e.g. http.request.uri.path.
type Env struct {
	HTTP HTTPEnv `expr:"http"`
	IP   IPEnv   `expr:"ip"`
}

// HTTPEnv groups HTTP-related fields.
type HTTPEnv struct {
	Request HTTPRequestEnv `expr:"request"`
}

// HTTPRequestEnv provides request fields.
type HTTPRequestEnv struct {
	Method   string            `expr:"method"`
	URI      URIEnv            `expr:"uri"`
	Headers  map[string]string `expr:"headers"`
	Cookies  map[string]string `expr:"cookies"`
	Host     string            `expr:"host"`
	Scheme   string            `expr:"scheme"`
	BodySize int64             `expr:"body_size"`
}

// URIEnv provides URI components.
type URIEnv struct {
	Path  string            `expr:"path"`
	Query string            `expr:"query"`
	Full  string            `expr:"full"`
	Args  map[string]string `expr:"args"`
}

// IPEnv provides IP-related fields.
type IPEnv struct {
	Src string `expr:"src"`
}

func newEnv(r *Request) *Env {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	args := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	full := r.RequestURI
	if full == "" {
		full = r.URL.RequestURI()
	}

	return &Env{
		HTTP: HTTPEnv{
			Request: HTTPRequestEnv{
				Method: r.Method,
				URI: URIEnv{
					Path:  r.URL.Path,
					Query: r.URL.RawQuery,
					Full:  full,
					Args:  args,
				},
				Headers:  headers,
				Cookies:  cookies,
				Host:     r.Host,
				Scheme:   scheme,
				BodySize: r.ContentLength,
			},
		},
		IP: IPEnv{Src: r.clientIPString()},
	}
}

type expression struct {
	source  string
	program *vm.Program
}

func newExpression(source string) (*expression, error) {
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return &expression{source: source, program: program}, nil
}

// Match evaluates the expression. A runtime error counts as no match.
func (e *expression) Match(req *Request) bool {
	out, err := expr.Run(e.program, *req.Env())
	if err != nil {
		logging.Debug("Access rule expression failed", zap.String("expression", e.source), zap.Error(err))
		return false
	}
	b, _ := out.(bool)
	return b
}
