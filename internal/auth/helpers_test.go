// helpers_test.go
//
// Shared fixtures: a full handler + pipeline wired to testutil mocks and a fake
// clock, plus a chi router mounting the same routes as main.buildRouter.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/bastion/internal/alert"
	"github.com/MGallo-Code/bastion/internal/exchange"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/testutil"
	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

const testPassword = "correct horse battery 42"

var (
	testSigningKey = []byte("0123456789abcdef0123456789abcdef")
	testVaultKey   = []byte("fedcba9876543210fedcba9876543210")
)

// recordingNotifier captures alerts synchronously.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// fakeExchange records the credentials and order it was asked to place.
type fakeExchange struct {
	mu        sync.Mutex
	gotCreds  vault.Credentials
	gotOrder  exchange.OrderRequest
	calls     int
	err       error
	orderResp exchange.OrderResponse
}

func (f *fakeExchange) PlaceOrder(_ context.Context, creds vault.Credentials, order exchange.OrderRequest) (*exchange.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotCreds = creds
	f.gotOrder = order
	if f.err != nil {
		return nil, f.err
	}
	resp := f.orderResp
	return &resp, nil
}

// testEnv bundles everything a handler or pipeline test needs.
type testEnv struct {
	clock    *testutil.FakeClock
	cache    *testutil.MockCache
	store    *testutil.MockStore
	notifier *recordingNotifier
	exchange *fakeExchange
	handler  *AuthHandler
	pipeline *Pipeline
	router   http.Handler
}

// newTestEnv wires a handler and pipeline over fresh mocks.
// Login policy is 5 per 15m; other policies are generous so they stay out of the way.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := testutil.NewMockCache(clock.Now)
	ms := testutil.NewMockStore()
	notifier := &recordingNotifier{}
	ex := &fakeExchange{orderResp: exchange.OrderResponse{OrderID: "ord-1", ClientOrderID: "cli-1"}}

	cipher, err := vault.NewCipherWithKey(testVaultKey)
	if err != nil {
		t.Fatalf("NewCipherWithKey: %v", err)
	}
	t.Cleanup(cipher.Close)

	events := NewSecurityEventLog(cache, notifier, SeverityHigh, 1000, 30*24*time.Hour, nil)
	events.now = clock.Now

	limiter := NewRateLimiter(cache, nil,
		NewPolicy(PolicyLogin, 5, 15*time.Minute),
		NewPolicy(PolicyRegister, 100, time.Hour),
		NewPolicy(PolicyReset, 100, time.Hour),
		NewPolicy(PolicyAPI, 1000, time.Minute),
		NewPolicy(PolicyAutomation, 1000, time.Minute),
		NewPolicy(PolicyTrade, 1000, time.Minute),
	)
	sessions := NewSessionStore(cache, ms, 30*time.Minute, 24*time.Hour).WithClock(clock.Now)
	csrf := NewCSRFGuard(cache, time.Hour)
	csrf.now = clock.Now
	bearer := NewBearerTokens(testSigningKey, time.Hour)
	bearer.now = clock.Now

	h := &AuthHandler{
		PS:       ms,
		RS:       cache,
		Vault:    cipher,
		Exchange: ex,
		Limiter:  limiter,
		Sessions: sessions,
		CSRF:     csrf,
		Bearer:   bearer,
		Events:   events,
		Policy:   PasswordPolicy{MinLength: 12, MaxLength: 128},
	}
	p := &Pipeline{
		Limiter:   limiter,
		Sessions:  sessions,
		CSRF:      csrf,
		Ownership: NewOwnershipGuard(ms, events, nil),
		Bearer:    bearer,
		Events:    events,
	}

	return &testEnv{
		clock:    clock,
		cache:    cache,
		store:    ms,
		notifier: notifier,
		exchange: ex,
		handler:  h,
		pipeline: p,
		router:   testRouter(h, p),
	}
}

// testRouter mounts the protected routes the way main.buildRouter does.
func testRouter(h *AuthHandler, p *Pipeline) http.Handler {
	r := chi.NewRouter()
	r.Use(p.RealIP)
	r.Get("/health", h.CheckHealth)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	api := Route{Policy: PolicyAPI}
	automation := Route{Policy: PolicyAutomation, ResourceType: store.ResourceAutomation, ResourceParam: AutomationParam}
	trade := Route{Policy: PolicyTrade, ResourceType: store.ResourceAutomation, ResourceParam: AutomationParam}

	r.With(p.Protect(api)).Get("/me", h.Me)
	r.With(p.Protect(api)).Get("/csrf", h.IssueCSRF)
	r.With(p.Protect(api)).Post("/logout", h.Logout)
	r.With(p.Protect(api)).Post("/logout-all", h.LogoutAll)
	r.With(p.Protect(api)).Post("/tokens", h.IssueBearerToken)
	r.With(p.Protect(api)).Post("/password/change", h.PasswordChange)
	r.With(p.Protect(api)).Put("/credentials", h.PutCredentials)
	r.With(p.Protect(api)).Get("/credentials", h.GetCredentials)
	r.With(p.Protect(api)).Delete("/credentials", h.DeleteCredentials)
	r.With(p.Protect(api)).Get("/security/events", h.ListSecurityEvents)
	r.With(p.Protect(Route{Policy: PolicyAutomation})).Post("/automations", h.CreateAutomation)
	r.With(p.Protect(automation)).Get("/automations/{automationID}", h.GetAutomation)
	r.With(p.Protect(automation)).Delete("/automations/{automationID}", h.DeleteAutomation)
	r.With(p.Protect(trade)).Post("/automations/{automationID}/orders", h.PlaceOrder)
	return r
}

// seedUser stores a user with a real Argon2id hash of testPassword.
func (e *testEnv) seedUser(t *testing.T, email string) *store.User {
	t.Helper()
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("seedUser: hashing password: %v", err)
	}
	u := &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        email,
		Username:     strings.Split(email, "@")[0],
		PasswordHash: hash,
		PlanType:     store.PlanFree,
	}
	e.store.Users[u.ID] = u
	return u
}

// client carries one browser's cookie and latest CSRF token.
type client struct {
	cookie *http.Cookie
	csrf   string
	bearer string
}

// login posts credentials and returns the resulting client and recorder.
func (e *testEnv) login(t *testing.T, email, password string) (*client, *httptest.ResponseRecorder) {
	t.Helper()
	body := `{"email":"` + email + `","password":"` + password + `"}`
	w := e.do(t, nil, http.MethodPost, "/login", body)
	if w.Code != http.StatusOK {
		return nil, w
	}
	c := &client{}
	for _, ck := range w.Result().Cookies() {
		if ck.Name == SessionCookieName {
			c.cookie = ck
		}
	}
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	c.csrf = resp.CSRFToken
	return c, w
}

// mustLogin seeds a user and logs in.
func (e *testEnv) mustLogin(t *testing.T, email string) (*store.User, *client) {
	t.Helper()
	u := e.seedUser(t, email)
	c, w := e.login(t, email, testPassword)
	if c == nil {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	return u, c
}

// do sends a request through the router. A non-nil client attaches its cookie,
// bearer token and current CSRF token; the CSRF token is single use so it is cleared.
func (e *testEnv) do(t *testing.T, c *client, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doFrom(t, c, "203.0.113.7:51234", "", method, path, body)
}

// doFrom is do from a given peer address, optionally with an X-Forwarded-For header.
func (e *testEnv) doFrom(t *testing.T, c *client, remoteAddr, forwardedFor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rdr)
	r.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		r.Header.Set("X-Forwarded-For", forwardedFor)
	}
	r.Header.Set("User-Agent", "bastion-test")
	if c != nil {
		if c.bearer != "" {
			r.Header.Set("Authorization", "Bearer "+c.bearer)
		} else if c.cookie != nil {
			r.AddCookie(c.cookie)
		}
		if c.csrf != "" && method != http.MethodGet {
			r.Header.Set(CSRFHeader, c.csrf)
			c.csrf = ""
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

// freshCSRF fetches a new CSRF token for c.
func (e *testEnv) freshCSRF(t *testing.T, c *client) {
	t.Helper()
	w := e.do(t, c, http.MethodGet, "/csrf", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /csrf: expected 200, got %d", w.Code)
	}
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	c.csrf = resp.CSRFToken
}

// assertError checks status and the {"error","message"} body's code.
func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d (body %s)", status, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	if body.Error != code {
		t.Errorf("error code: expected %q, got %q", code, body.Error)
	}
	if body.Message == "" {
		t.Error("error message should not be empty")
	}
}

// eventsOfType returns recorded events of typ for userID ("" reads the global list).
func (e *testEnv) eventsOfType(t *testing.T, userID, typ string) []SecurityEvent {
	t.Helper()
	evs, err := e.handler.Events.Recent(context.Background(), EventFilter{UserID: userID, Type: typ, Limit: 500})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	return evs
}
