package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hemanshu03/livedict/internal/adapter/token"
	"github.com/hemanshu03/livedict/pkg/livedict"
)

func newTestServer(t *testing.T, opts ...livedict.Option) *Server {
	t.Helper()
	store := livedict.New(opts...)
	t.Cleanup(store.Stop)
	return NewServer(store, nil, nil, "", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSetGetDeleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPut, "/v1/kv/users/alice", setRequest{Value: []byte("hello")})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/kv/users/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var resp valueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Bucket != "users" || resp.Key != "alice" || string(resp.Value) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/kv/users/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/kv/users/alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

func TestGetMissingKey(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/kv/users/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSetMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/v1/kv/b/k", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Router()

	ttl := int64(50)
	rec := doJSON(t, h, http.MethodPut, "/v1/kv/b/ephemeral", setRequest{Value: []byte("v"), TTLMs: &ttl})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d", rec.Code)
	}
	time.Sleep(150 * time.Millisecond)
	rec = doJSON(t, h, http.MethodGet, "/v1/kv/b/ephemeral", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after TTL = %d, want 404", rec.Code)
	}
}

func TestCapacityExceededMapsTo507(t *testing.T) {
	srv := newTestServer(t, livedict.WithCapacity(1, 0))
	h := srv.Router()

	if rec := doJSON(t, h, http.MethodPut, "/v1/kv/b/first", setRequest{Value: []byte("v")}); rec.Code != http.StatusOK {
		t.Fatalf("first set status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPut, "/v1/kv/b/second", setRequest{Value: []byte("v")})
	if rec.Code != http.StatusInsufficientStorage {
		t.Fatalf("status = %d, want 507", rec.Code)
	}
}

func TestKeysListing(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Router()
	_ = doJSON(t, h, http.MethodPut, "/v1/kv/b/k1", setRequest{Value: []byte("v")})
	_ = doJSON(t, h, http.MethodPut, "/v1/kv/b/k2", setRequest{Value: []byte("v")})

	rec := doJSON(t, h, http.MethodGet, "/v1/kv/b", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("keys status = %d", rec.Code)
	}
	var resp struct {
		Bucket string   `json:"bucket"`
		Keys   []string `json:"keys"`
		Count  int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Bucket != "b" || resp.Count != 2 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
}

func TestHealthOpen(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	maker, err := token.NewMaker(secret)
	if err != nil {
		t.Fatalf("maker: %v", err)
	}
	store := livedict.New()
	t.Cleanup(store.Stop)
	h := NewServer(store, nil, maker, secret, nil).Router()

	// API routes are closed without a token.
	rec := doJSON(t, h, http.MethodGet, "/v1/kv/b/k", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	// Wrong shared secret is rejected.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/token", map[string]string{"secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/token", map[string]string{"secret": secret})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rec.Code, rec.Body.String())
	}
	var tokResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokResp); err != nil {
		t.Fatalf("decode token: %v", err)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(setRequest{Value: []byte("v")})
	req := httptest.NewRequest(http.MethodPut, "/v1/kv/b/k", &buf)
	req.Header.Set("Authorization", "Bearer "+tokResp.Token)
	recAuth := httptest.NewRecorder()
	h.ServeHTTP(recAuth, req)
	if recAuth.Code != http.StatusOK {
		t.Fatalf("authenticated set status = %d: %s", recAuth.Code, recAuth.Body.String())
	}
}

func TestCorsPreflight(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/kv/b/k", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}
