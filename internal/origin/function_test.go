package origin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/wudi/edgegate/internal/config"
	edgeerrors "github.com/wudi/edgegate/internal/errors"
)

type fakeInvoker struct {
	event  functionEvent
	reply  any
	fnErr  string
	err    error
	called int
}

func (f *fakeInvoker) Invoke(ctx context.Context, in *awslambda.InvokeInput, _ ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	if err := json.Unmarshal(in.Payload, &f.event); err != nil {
		return nil, err
	}
	out := &awslambda.InvokeOutput{StatusCode: 200}
	if f.fnErr != "" {
		out.FunctionError = aws.String(f.fnErr)
		out.Payload = []byte(`{"errorMessage":"boom"}`)
		return out, nil
	}
	out.Payload, _ = json.Marshal(f.reply)
	return out, nil
}

func newFunctionOrigin(t *testing.T, inv *fakeInvoker) *Dynamic {
	t.Helper()
	d, err := NewDynamicWithTransport(config.OriginConfig{
		ID:       "fn",
		Kind:     "dynamic",
		Function: config.FunctionConfig{Name: "render"},
	}, &functionTransport{name: "render", client: inv})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestFunctionOrigin(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{
		"statusCode":        201,
		"headers":           map[string]string{"Content-Type": "application/json"},
		"multiValueHeaders": map[string][]string{"Set-Cookie": {"a=1", "b=2"}},
		"body":              `{"ok":true}`,
	}}
	d := newFunctionOrigin(t, inv)

	req := httptest.NewRequest(http.MethodPost, "https://edge.example.com/api/render?lang=en&lang=fr", strings.NewReader("hello"))
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := d.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 201 || string(body) != `{"ok":true}` {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %v", got)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	ev := inv.event
	if ev.HTTPMethod != http.MethodPost || ev.Path != "/api/render" {
		t.Errorf("event = %s %s", ev.HTTPMethod, ev.Path)
	}
	if ev.QueryStringParameters["lang"] != "fr" || len(ev.MultiValueQueryStringParameters["lang"]) != 2 {
		t.Errorf("query = %v %v", ev.QueryStringParameters, ev.MultiValueQueryStringParameters)
	}
	if ev.Body != "hello" || ev.IsBase64Encoded {
		t.Errorf("body = %q base64=%v", ev.Body, ev.IsBase64Encoded)
	}
	if ev.RequestContext.RequestID != "req-1" {
		t.Errorf("request id = %q", ev.RequestContext.RequestID)
	}
	if ev.Headers["Host"] != "edge.example.com" {
		t.Errorf("Host = %q", ev.Headers["Host"])
	}
}

func TestFunctionOriginBinary(t *testing.T) {
	raw := []byte{0xff, 0x00, 0xfe}
	inv := &fakeInvoker{reply: map[string]any{
		"statusCode":      200,
		"body":            base64.StdEncoding.EncodeToString(raw),
		"isBase64Encoded": true,
	}}
	d := newFunctionOrigin(t, inv)

	req := httptest.NewRequest(http.MethodPut, "/upload", strings.NewReader(string(raw)))
	resp, err := d.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(raw) {
		t.Errorf("body = %v", body)
	}
	if !inv.event.IsBase64Encoded || inv.event.Body != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("binary request body not base64 encoded: %+v", inv.event)
	}
}

func TestFunctionOriginErrors(t *testing.T) {
	tests := []struct {
		name string
		inv  *fakeInvoker
	}{
		{"function error", &fakeInvoker{fnErr: "Unhandled"}},
		{"invoke error", &fakeInvoker{err: errors.New("throttled")}},
		{"bad status", &fakeInvoker{reply: map[string]any{"statusCode": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFunctionOrigin(t, tt.inv)
			_, err := d.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
			ee, ok := edgeerrors.IsEdgeError(err)
			if !ok || ee.Code != http.StatusBadGateway {
				t.Errorf("err = %v, want 502", err)
			}
		})
	}
}
