package origin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/google/uuid"

	"github.com/wudi/edgegate/internal/config"
)

// functionHost stands in for the URL host of function-backed origins.
const functionHost = "function.internal"

// maxFunctionPayload is the synchronous invocation request limit.
const maxFunctionPayload = 6 << 20

// invoker is the part of the Lambda client the function transport uses.
type invoker interface {
	Invoke(ctx context.Context, params *awslambda.InvokeInput, optFns ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
}

// functionEvent is the API-gateway-style proxy event handed to the function.
type functionEvent struct {
	HTTPMethod                      string              `json:"httpMethod"`
	Path                            string              `json:"path"`
	QueryStringParameters           map[string]string   `json:"queryStringParameters,omitempty"`
	MultiValueQueryStringParameters map[string][]string `json:"multiValueQueryStringParameters,omitempty"`
	Headers                         map[string]string   `json:"headers"`
	MultiValueHeaders               map[string][]string `json:"multiValueHeaders"`
	Body                            string              `json:"body,omitempty"`
	IsBase64Encoded                 bool                `json:"isBase64Encoded"`
	RequestContext                  functionContext     `json:"requestContext"`
}

type functionContext struct {
	RequestID  string `json:"requestId"`
	HTTPMethod string `json:"httpMethod"`
	Path       string `json:"path"`
	Protocol   string `json:"protocol"`
}

// functionReply is the proxy integration response the function returns.
type functionReply struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded"`
}

// functionTransport turns HTTP requests into synchronous function
// invocations so the dynamic origin can keep its timeout and breaker.
type functionTransport struct {
	name   string
	client invoker
}

func newFunctionTransport(ctx context.Context, cfg config.FunctionConfig) (*functionTransport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("function: failed to load AWS config: %w", err)
	}
	return &functionTransport{name: cfg.Name, client: awslambda.NewFromConfig(awsCfg)}, nil
}

func (t *functionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	event, err := newFunctionEvent(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("function %s: marshal event: %w", t.name, err)
	}

	out, err := t.client.Invoke(req.Context(), &awslambda.InvokeInput{
		FunctionName: aws.String(t.name),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("function %s: invoke: %w", t.name, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("function %s: %s", t.name, aws.ToString(out.FunctionError))
	}

	var reply functionReply
	if err := json.Unmarshal(out.Payload, &reply); err != nil {
		return nil, fmt.Errorf("function %s: malformed reply: %w", t.name, err)
	}
	return reply.response(req)
}

func newFunctionEvent(req *http.Request) (*functionEvent, error) {
	ev := &functionEvent{
		HTTPMethod:        req.Method,
		Path:              req.URL.Path,
		Headers:           make(map[string]string, len(req.Header)),
		MultiValueHeaders: make(map[string][]string, len(req.Header)),
		RequestContext: functionContext{
			RequestID:  req.Header.Get("X-Request-ID"),
			HTTPMethod: req.Method,
			Path:       req.URL.Path,
			Protocol:   req.Proto,
		},
	}
	if ev.RequestContext.RequestID == "" {
		ev.RequestContext.RequestID = uuid.NewString()
	}
	for k, vv := range req.Header {
		ev.Headers[k] = vv[len(vv)-1]
		ev.MultiValueHeaders[k] = vv
	}
	if host := req.Header.Get("X-Forwarded-Host"); host != "" {
		ev.Headers["Host"] = host
	}
	if q := req.URL.Query(); len(q) > 0 {
		ev.QueryStringParameters = make(map[string]string, len(q))
		ev.MultiValueQueryStringParameters = q
		for k, vv := range q {
			ev.QueryStringParameters[k] = vv[len(vv)-1]
		}
	}

	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxFunctionPayload+1))
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("function: read body: %w", err)
		}
		if len(body) > maxFunctionPayload {
			return nil, fmt.Errorf("function: request body exceeds %d bytes", maxFunctionPayload)
		}
		if utf8.Valid(body) {
			ev.Body = string(body)
		} else {
			ev.Body = base64.StdEncoding.EncodeToString(body)
			ev.IsBase64Encoded = true
		}
	}
	return ev, nil
}

func (r *functionReply) response(req *http.Request) (*http.Response, error) {
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return nil, fmt.Errorf("function: invalid statusCode %d", r.StatusCode)
	}
	body := []byte(r.Body)
	if r.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(r.Body)
		if err != nil {
			return nil, fmt.Errorf("function: invalid base64 body: %w", err)
		}
		body = decoded
	}

	header := make(http.Header, len(r.Headers)+len(r.MultiValueHeaders))
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	for k, vv := range r.MultiValueHeaders {
		header.Del(k)
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
