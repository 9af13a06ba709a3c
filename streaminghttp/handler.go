package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/agent-broker/auth"
	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/internal/logctx"
	"github.com/ggoodman/agent-broker/internal/wellknown"
	"github.com/ggoodman/agent-broker/keypair"
	"github.com/ggoodman/agent-broker/upstream"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// DefaultOriginApplication tags threads created through the broker.
	DefaultOriginApplication = "agent-broker"

	maxRequestBody = 1 << 20
)

// Platform is the remote side of the broker. *upstream.Client implements it.
type Platform interface {
	Do(ctx context.Context, r upstream.Request) (json.RawMessage, error)
	Stream(ctx context.Context, r upstream.Request) (*upstream.Stream, error)
}

// Target names the agent every run is sent to. The zero Target sends runs to
// the inline endpoint, where the request body carries the agent configuration.
type Target struct {
	Database string
	Schema   string
	Agent    string
}

func (t Target) validate() error {
	if t == (Target{}) {
		return nil
	}
	if t.Database == "" || t.Schema == "" || t.Agent == "" {
		return errors.New("target database, schema and agent are required")
	}
	return nil
}

func (t Target) runPath() string {
	if t == (Target{}) {
		return upstream.InlineAgentRunPath
	}
	return upstream.AgentRunPath(t.Database, t.Schema, t.Agent)
}

// writeJSONError emits the broker's error body.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger        *slog.Logger
	authenticator auth.Authenticator
	realm         string
	origins       []string
	credential    *keypair.Credential
	originApp     string
}

// WithLogger sets the slog logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a valid bearer token on every broker route.
// Health and key publication stay open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional).
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithAllowedOrigins enables CORS for the listed origins. "*" allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *newConfig) { c.origins = append(c.origins, origins...) }
}

// WithCredential publishes cred's public key at /.well-known/jwks.json and
// /publickey.
func WithCredential(cred *keypair.Credential) Option {
	return func(c *newConfig) { c.credential = cred }
}

// WithOriginApplication overrides DefaultOriginApplication.
func WithOriginApplication(name string) Option {
	return func(c *newConfig) { c.originApp = strings.TrimSpace(name) }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler is the broker's HTTP surface. It forwards thread and run calls to
// the platform with the broker's own credential and relays streamed runs
// chunk by chunk.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	platform  Platform
	target    Target
	auth      auth.Authenticator
	realm     string
	origins   []string
	originApp string

	jwks   []byte
	pubkey []byte
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
//
// Required:
//   - platform: the remote platform client (usually *upstream.Client)
//   - target: the database, schema and agent runs are sent to
//
// Inbound authentication is off unless WithAuthenticator is supplied.
func New(ctx context.Context, platform Platform, target Target, opts ...Option) (*Handler, error) {
	if platform == nil {
		return nil, fmt.Errorf("platform is required")
	}
	if err := target.validate(); err != nil {
		return nil, err
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler), originApp: DefaultOriginApplication}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		platform:  platform,
		target:    target,
		auth:      cfg.authenticator,
		realm:     cfg.realm,
		origins:   slices.Clone(cfg.origins),
		originApp: cfg.originApp,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", h.protect(h.handleCreateThread))
	mux.HandleFunc("GET /threads/{id}", h.protect(h.handleGetThread))
	mux.HandleFunc("POST /agent/run", h.protect(h.handleRun))
	mux.HandleFunc("POST /agent/run/stream", h.protect(h.handleRunStream))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("OPTIONS /", h.handlePreflight)

	if cfg.credential != nil {
		jwks, err := json.Marshal(wellknown.JWKS(cfg.credential))
		if err != nil {
			return nil, fmt.Errorf("encode jwks: %w", err)
		}
		doc, err := wellknown.PublicKey(cfg.credential)
		if err != nil {
			return nil, err
		}
		pubkey, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode public key document: %w", err)
		}
		h.jwks, h.pubkey = jwks, pubkey
		mux.HandleFunc("GET /.well-known/jwks.json", h.handleJWKS)
		mux.HandleFunc("GET /publickey", h.handlePublicKey)
	}

	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// protect runs checkAuthentication before next when an authenticator is
// configured.
func (h *Handler) protect(next http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			h.log.InfoContext(ctx, "auth.fail")
			return
		}
		next(w, r.WithContext(auth.WithUserInfo(ctx, userInfo)))
	}
}

// handleCreateThread handles POST /threads. An optional JSON object body may
// carry origin_application; everything else is ignored.
func (h *Handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithUpstreamData(r.Context(), &logctx.UpstreamData{Operation: "threads.create"})
	h.log.InfoContext(ctx, "http.threads.create.start")

	raw, ok := h.readJSONObject(ctx, w, r, true)
	if !ok {
		return
	}
	origin := h.originApp
	if v := gjson.GetBytes(raw, "origin_application"); v.Type == gjson.String && v.Str != "" {
		origin = v.Str
	}
	body, err := sjson.SetBytes([]byte(`{}`), "origin_application", origin)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build request")
		h.log.ErrorContext(ctx, "body.build.fail", slog.String("err", err.Error()))
		return
	}

	res, err := h.platform.Do(ctx, upstream.Request{Method: http.MethodPost, Path: upstream.ThreadsPath, Body: body})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	h.log.InfoContext(ctx, "http.threads.create.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetThread handles GET /threads/{id}.
func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	ctx := logctx.WithUpstreamData(r.Context(), &logctx.UpstreamData{Operation: "threads.get", ThreadID: id})
	h.log.InfoContext(ctx, "http.threads.get.start")

	if strings.TrimSpace(id) == "" {
		writeJSONError(w, http.StatusBadRequest, "thread id is required")
		return
	}
	res, err := h.platform.Do(ctx, upstream.Request{Method: http.MethodGet, Path: upstream.ThreadPath(id)})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	h.log.InfoContext(ctx, "http.threads.get.ok", slog.Duration("dur", time.Since(start)))
}

// handleRun handles POST /agent/run: one turn, answered as a single JSON body.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithUpstreamData(r.Context(), &logctx.UpstreamData{Operation: "agent.run", Agent: h.target.Agent})
	h.log.InfoContext(ctx, "http.run.start")

	body, ok := h.runBody(ctx, w, r, false)
	if !ok {
		return
	}
	res, err := h.platform.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   h.target.runPath(),
		Body:   body,
		Accept: upstream.AcceptJSON,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	h.log.InfoContext(ctx, "http.run.ok", slog.Duration("dur", time.Since(start)))
}

// handleRunStream handles POST /agent/run/stream: one turn, relayed as the
// platform's event stream.
func (h *Handler) handleRunStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithUpstreamData(r.Context(), &logctx.UpstreamData{Operation: "agent.run.stream", Agent: h.target.Agent})
	h.log.InfoContext(ctx, "http.run.stream.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.run.stream.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	body, ok := h.runBody(ctx, w, r, true)
	if !ok {
		return
	}
	if tid := gjson.GetBytes(body, "thread_id"); tid.Exists() {
		ctx = logctx.WithUpstreamData(ctx, &logctx.UpstreamData{Operation: "agent.run.stream", Agent: h.target.Agent, ThreadID: tid.String()})
	}

	s, err := h.platform.Stream(ctx, upstream.Request{
		Path:   h.target.runPath(),
		Body:   body,
		Accept: upstream.AcceptEventStream,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	relay(ctx, h.log, w, wf, s)
	h.log.InfoContext(ctx, "http.run.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) runBody(ctx context.Context, w http.ResponseWriter, r *http.Request, stream bool) ([]byte, bool) {
	raw, ok := h.readJSONObject(ctx, w, r, false)
	if !ok {
		return nil, false
	}
	body, err := shapeRunBody(raw, stream)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "body.shape.fail", slog.String("err", err.Error()))
		return nil, false
	}
	return body, true
}

// readJSONObject reads a JSON object request body. With optional set, an
// empty body yields "{}".
func (h *Handler) readJSONObject(ctx context.Context, w http.ResponseWriter, r *http.Request, optional bool) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if len(raw) > maxRequestBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if optional && len(strings.TrimSpace(string(raw))) == 0 {
		return []byte(`{}`), true
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return nil, false
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		writeJSONError(w, http.StatusBadRequest, "body must be a JSON object")
		h.log.WarnContext(ctx, "json.decode.fail")
		return nil, false
	}
	return raw, true
}

// writeError maps a broker error to a JSON error response. A client abort
// writes nothing; the client is gone.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := brokererr.HTTPStatus(err)
	switch brokererr.KindOf(err) {
	case brokererr.KindClientAbort:
		h.log.DebugContext(ctx, "relay.client.abort")
		return
	case brokererr.KindUpstream:
		var be *brokererr.Error
		errors.As(err, &be)
		h.log.WarnContext(ctx, "upstream.call.fail", slog.Int("status", be.Status))
		writeJSONError(w, status, be.Detail)
		return
	case brokererr.KindSigning:
		h.log.ErrorContext(ctx, "token.sign.fail", slog.String("err", err.Error()))
		writeJSONError(w, status, "failed to authenticate to the platform")
		return
	default:
		h.log.ErrorContext(ctx, "upstream.call.fail", slog.String("err", err.Error()))
		writeJSONError(w, status, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

// handleJWKS serves the broker's public key as a JSON Web Key Set.
func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.jwks)
}

// handlePublicKey serves the PEM public key and fingerprint for registering
// the key with the platform user.
func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType, contenttype.NewMediaType("application/x-pem-file")}); err == nil && mt.Subtype == "x-pem-file" {
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write([]byte(gjson.GetBytes(h.pubkey, "public_key_pem").Str))
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.pubkey)
}

func (h *Handler) allowedOrigin(origin string) bool {
	if origin == "" || len(h.origins) == 0 {
		return false
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.allowedOrigin(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}

// handlePreflight answers CORS preflight requests for every route.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if h.allowedOrigin(r.Header.Get("Origin")) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "600")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: If the request lacks any authentication information the
		// resource server SHOULD NOT include an error code.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		writeJSONError(w, http.StatusUnauthorized, "bearer token required")
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, "empty bearer token")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": "token lacks a required scope"}))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return nil
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return nil
	}
	return userInfo
}
