package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func postRPC(t *testing.T, ts *httptest.Server, body string) Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func TestServerDispatchesRegisteredMethod(t *testing.T) {
	srv := New()
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "bad params"}
		}
		return in, nil
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	out := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"k":"v"}}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	result, ok := out.Result.(map[string]interface{})
	if !ok || result["k"] != "v" {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	srv := New()
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	out := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	if out.Error == nil || out.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", out.Error)
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	srv := New()
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	out := postRPC(t, ts, `{not json`)
	if out.Error == nil || out.Error.Code != CodeParseError {
		t.Fatalf("expected parse error, got %+v", out.Error)
	}
}

func TestHandlerErrorsAreReturnedAsRPCErrors(t *testing.T) {
	srv := New()
	srv.Register("fail", func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: CodeInternalError, Message: "boom"}
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	out := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"fail"}`)
	if out.Error == nil || out.Error.Message != "boom" {
		t.Fatalf("expected handler error surfaced, got %+v", out.Error)
	}
}
