// Package httpstub provides the relay's out-of-core HTTP surface: account
// registration, login/refresh, key publication and bundle fetch, and push
// token registration. This is everything a client needs before it can open
// the websocket Session Gateway. Router shape (method gating, panic
// recovery, JSON error writer) is grounded on the teacher's gateway router,
// rebuilt on gorilla/mux per the domain-stack dependency decision.
package httpstub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/duskline/relay/internal/auth"
	"github.com/duskline/relay/internal/keys"
	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/relayerr"
	"github.com/duskline/relay/internal/takeover"
	"github.com/duskline/relay/internal/telemetry"
)

// Accounts is the subset of *relaydb.Store the router depends on.
type Accounts interface {
	Create(ctx context.Context, handle string) (model.User, error)
	ResolveHandle(ctx context.Context, handle string) (model.User, error)
	Get(ctx context.Context, userID string) (model.User, error)
	PutToken(ctx context.Context, userID, platform, token string) error
}

// Issuer mints bearer tokens; satisfied by *auth.HS256Verifier.
type Issuer interface {
	auth.TokenVerifier
	Issue(userID string, ttl time.Duration) (string, error)
}

// NewRouter builds the httpstub handler.
func NewRouter(accounts Accounts, keyDir *keys.Directory, takeoverCoord *takeover.Coordinator, issuer Issuer, log *telemetry.Logger) http.Handler {
	if log == nil {
		log = telemetry.Nop
	}
	h := &handler{accounts: accounts, keys: keyDir, takeover: takeoverCoord, issuer: issuer, log: log}

	r := mux.NewRouter()
	r.Use(recoverer(log))
	r.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", h.refresh).Methods(http.MethodPost)
	r.HandleFunc("/keys/{handle}", h.putKeys).Methods(http.MethodPut)
	r.HandleFunc("/keys/{handle}", h.getBundle).Methods(http.MethodGet)
	r.HandleFunc("/push/token", h.putPushToken).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeNotFound, "no such route"))
	})
	return r
}

type handler struct {
	accounts Accounts
	keys     *keys.Directory
	takeover *takeover.Coordinator
	issuer   Issuer
	log      *telemetry.Logger
}

// recoverer converts a panicking handler into a 500 instead of crashing the
// process, logging the recovered value for diagnosis.
func recoverer(log *telemetry.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(r.Context(), "handler panic", map[string]any{"recovered": rec, "path": r.URL.Path})
					relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requireJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeValidationFailed, "missing request body"))
		return false
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		relayerr.WriteHTTP(w, relayerr.Wrap(relayerr.CodeValidationFailed, "malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// --- accounts ---

type createAccountRequest struct {
	Handle string `json:"handle"`
}

type createAccountResponse struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !requireJSON(w, r, &req) {
		return
	}
	u, err := h.accounts.Create(r.Context(), req.Handle)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAccountResponse{UserID: u.ID, Handle: u.Handle})
}

// --- auth ---

type loginRequest struct {
	Handle string `json:"handle"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

const accessTokenTTL = time.Hour

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !requireJSON(w, r, &req) {
		return
	}
	u, err := h.accounts.ResolveHandle(r.Context(), req.Handle)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	token, err := h.issuer.Issue(u.ID, accessTokenTTL)
	if err != nil {
		relayerr.WriteHTTP(w, relayerr.Wrap(relayerr.CodeInternal, "issue token", err))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, ExpiresIn: int(accessTokenTTL.Seconds())})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.Context(), bearerToken(r))
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	token, err := h.issuer.Issue(claims.UserID, accessTokenTTL)
	if err != nil {
		relayerr.WriteHTTP(w, relayerr.Wrap(relayerr.CodeInternal, "issue token", err))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, ExpiresIn: int(accessTokenTTL.Seconds())})
}

// --- keys ---

type putKeysRequest struct {
	IdentityKey    []byte   `json:"identity_key"`
	SignedPreKeyID uint32   `json:"signed_prekey_id"`
	SignedPreKey   []byte   `json:"signed_prekey"`
	Signature      []byte   `json:"signature"`
	OneTimeKeyIDs  []uint32 `json:"one_time_key_ids,omitempty"`
	OneTimePreKeys [][]byte `json:"one_time_prekeys,omitempty"`
}

func (h *handler) putKeys(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.Context(), bearerToken(r))
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	handle := mux.Vars(r)["handle"]
	u, err := h.accounts.ResolveHandle(r.Context(), handle)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	if u.ID != claims.UserID {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeForbidden, "cannot publish keys for another user"))
		return
	}

	var req putKeysRequest
	if !requireJSON(w, r, &req) {
		return
	}

	if len(req.IdentityKey) > 0 {
		result, err := h.takeover.Submit(r.Context(), u.ID, req.IdentityKey)
		if err != nil {
			relayerr.WriteHTTP(w, err)
			return
		}
		h.log.Info(r.Context(), "identity key submitted", map[string]any{"user_id": u.ID, "took_over": result.Took, "unchanged": result.Unchanged})
	}

	if len(req.SignedPreKey) > 0 {
		spk := model.SignedPreKey{UserID: u.ID, KeyID: req.SignedPreKeyID, PublicKey: req.SignedPreKey, Signature: req.Signature}
		if err := h.keys.PutSignedPreKey(r.Context(), spk); err != nil {
			relayerr.WriteHTTP(w, err)
			return
		}
	}

	n := len(req.OneTimeKeyIDs)
	if len(req.OneTimePreKeys) < n {
		n = len(req.OneTimePreKeys)
	}
	if n > 0 {
		otps := make([]model.OneTimePreKey, 0, n)
		for i := 0; i < n; i++ {
			otps = append(otps, model.OneTimePreKey{UserID: u.ID, KeyID: req.OneTimeKeyIDs[i], PublicKey: req.OneTimePreKeys[i]})
		}
		if err := h.keys.PutOneTimePreKeys(r.Context(), otps); err != nil {
			relayerr.WriteHTTP(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type bundleResponse struct {
	UserID         string `json:"user_id"`
	IdentityKey    []byte `json:"identity_key"`
	SignedPreKeyID uint32 `json:"signed_prekey_id"`
	SignedPreKey   []byte `json:"signed_prekey"`
	Signature      []byte `json:"signature"`
	OneTimePreKey  []byte `json:"one_time_prekey,omitempty"`
}

func (h *handler) getBundle(w http.ResponseWriter, r *http.Request) {
	if _, err := h.issuer.Verify(r.Context(), bearerToken(r)); err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	handle := mux.Vars(r)["handle"]
	u, err := h.accounts.ResolveHandle(r.Context(), handle)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	bundle, err := h.keys.TakeBundle(r.Context(), u.ID)
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	resp := bundleResponse{
		UserID:         bundle.UserID,
		IdentityKey:    bundle.IdentityKey,
		SignedPreKeyID: bundle.SignedPreKey.KeyID,
		SignedPreKey:   bundle.SignedPreKey.PublicKey,
		Signature:      bundle.SignedPreKey.Signature,
	}
	if bundle.OneTimePreKey != nil {
		resp.OneTimePreKey = bundle.OneTimePreKey.PublicKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- push ---

type putPushTokenRequest struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

func (h *handler) putPushToken(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.Context(), bearerToken(r))
	if err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	var req putPushTokenRequest
	if !requireJSON(w, r, &req) {
		return
	}
	if req.Platform == "" || req.Token == "" {
		relayerr.WriteHTTP(w, relayerr.New(relayerr.CodeValidationFailed, "platform and token are required"))
		return
	}
	if err := h.accounts.PutToken(r.Context(), claims.UserID, req.Platform, req.Token); err != nil {
		relayerr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
