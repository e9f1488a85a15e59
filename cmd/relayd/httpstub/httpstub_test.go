package httpstub

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/duskline/relay/internal/auth"
	"github.com/duskline/relay/internal/envelope"
	"github.com/duskline/relay/internal/keys"
	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/relaydb"
	"github.com/duskline/relay/internal/takeover"
)

func newTestRouter(t *testing.T) (http.Handler, *relaydb.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	accounts := relaydb.New(db)
	if err := accounts.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := accounts.EnsureTokenSchema(context.Background()); err != nil {
		t.Fatalf("EnsureTokenSchema: %v", err)
	}
	keyDir := keys.New(db)
	if err := keyDir.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema (keys): %v", err)
	}
	envStore := envelope.New(db, envelope.Options{})
	if err := envStore.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema (envelope): %v", err)
	}

	notifier := notify.New()
	coord := takeover.New(keyDir, envStore, notifier, nil)
	verifier := auth.NewHS256Verifier([]byte("test-secret"), "relay")
	router := NewRouter(accounts, keyDir, coord, verifier, nil)
	return router, accounts
}

func postJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, router http.Handler, handle string) tokenResponse {
	t.Helper()
	rec := postJSON(t, router, http.MethodPost, "/auth/login", "", loginRequest{Handle: handle})
	if rec.Code != http.StatusOK {
		t.Fatalf("login(%s) status = %d, body = %s", handle, rec.Code, rec.Body.String())
	}
	var tok tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return tok
}

func TestCreateAccountAndLogin(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account status = %d, body = %s", rec.Code, rec.Body.String())
	}

	tok := loginAs(t, router, "alice")
	if tok.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}
}

func TestCreateAccountRejectsDuplicateHandle(t *testing.T) {
	router, _ := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	rec := postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for duplicate handle", rec.Code)
	}
}

func TestRefreshIssuesNewToken(t *testing.T) {
	router, _ := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	tok := loginAs(t, router, "alice")

	rec := postJSON(t, router, http.MethodPost, "/auth/refresh", tok.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var refreshed tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected a non-empty refreshed token")
	}
}

func TestPutKeysRequiresOwnToken(t *testing.T) {
	router, _ := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "mallory"})
	malloryTok := loginAs(t, router, "mallory")

	pub, _, _ := ed25519.GenerateKey(nil)
	rec := postJSON(t, router, http.MethodPut, "/keys/alice", malloryTok.AccessToken, putKeysRequest{IdentityKey: pub})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when publishing keys for another user", rec.Code)
	}
}

func TestPutKeysThenGetBundle(t *testing.T) {
	router, _ := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	tok := loginAs(t, router, "alice")

	pub, priv, _ := ed25519.GenerateKey(nil)
	spkPub := []byte("signed-prekey-bytes")
	sig := ed25519.Sign(priv, spkPub)

	rec := postJSON(t, router, http.MethodPut, "/keys/alice", tok.AccessToken, putKeysRequest{
		IdentityKey: pub, SignedPreKeyID: 1, SignedPreKey: spkPub, Signature: sig,
		OneTimeKeyIDs:  []uint32{1},
		OneTimePreKeys: [][]byte{[]byte("otp-1")},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put keys status = %d, body = %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/keys/alice", nil)
	getReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, getReq)
	if rec2.Code != http.StatusOK {
		t.Fatalf("get bundle status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	var bundle bundleResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if string(bundle.IdentityKey) != string(pub) {
		t.Fatal("bundle identity key does not match published key")
	}
	if bundle.SignedPreKeyID != 1 {
		t.Fatalf("bundle.SignedPreKeyID = %d, want 1", bundle.SignedPreKeyID)
	}
}

func TestGetBundleIncompleteWithoutSignedPreKey(t *testing.T) {
	router, _ := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	tok := loginAs(t, router, "alice")

	pub, _, _ := ed25519.GenerateKey(nil)
	postJSON(t, router, http.MethodPut, "/keys/alice", tok.AccessToken, putKeysRequest{IdentityKey: pub})

	getReq := httptest.NewRequest(http.MethodGet, "/keys/alice", nil)
	getReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, getReq)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (bundle incomplete) when no signed prekey is on file", rec.Code)
	}
}

func TestPutPushToken(t *testing.T) {
	router, accounts := newTestRouter(t)
	postJSON(t, router, http.MethodPost, "/accounts", "", createAccountRequest{Handle: "alice"})
	tok := loginAs(t, router, "alice")

	rec := postJSON(t, router, http.MethodPost, "/push/token", tok.AccessToken, putPushTokenRequest{Platform: "ios", Token: "abc"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	u, err := accounts.ResolveHandle(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveHandle() error: %v", err)
	}
	toks, err := accounts.TokensFor(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("TokensFor() error: %v", err)
	}
	if len(toks) != 1 || toks[0].Token != "abc" {
		t.Fatalf("tokens = %+v, want one token 'abc'", toks)
	}
}
