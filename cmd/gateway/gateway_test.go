package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"gridkeep/internal/backend"
	"gridkeep/internal/blacklist"
	"gridkeep/internal/entity"
	"gridkeep/internal/ratelimit"
	"gridkeep/internal/registry"
	"gridkeep/internal/store"
	"gridkeep/internal/token"
	"gridkeep/internal/transport"
)

// fakeC7 is an in-process stand-in for cmd/storage, wired directly on top of
// internal/store/internal/registry rather than the real binary (cmd/storage
// is package main and cannot be imported). It mirrors just the endpoints the
// gateway's internal/backend.Client calls, LZ4-compressed exactly as the real
// storage service responds, so the gateway code under test never knows it is
// talking to a fake.
type fakeC7 struct {
	reg *registry.Registry
}

func writeFakeJSON(w http.ResponseWriter, status int, v interface{}) {
	raw, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	w.Write(transport.Compress(raw))
}

func readFakeBody(r *http.Request, v interface{}) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(transport.Decompress(raw), v)
}

func (f *fakeC7) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /set/{zone}", f.set)
	mux.HandleFunc("POST /expand", f.expand)
	mux.HandleFunc("POST /range/{zone}", f.rangeQuery)
	mux.HandleFunc("GET /health", f.health)
	return mux
}

func (f *fakeC7) set(w http.ResponseWriter, r *http.Request) {
	s, _ := f.reg.Get(0)
	var e entity.Entity
	if err := readFakeBody(r, &e); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	saved, err := s.Set(r.Context(), e)
	if err != nil {
		writeFakeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stack, err := s.GetItersOfOne(r.Context(), saved.PositionX, saved.PositionY, nil)
	if err != nil {
		writeFakeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeFakeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": stack.Entities, "is_latest_on_file": stack.IsLatestOnFile,
	})
}

func (f *fakeC7) expand(w http.ResponseWriter, r *http.Request) {
	s, _ := f.reg.Get(0)
	var req struct {
		X int64  `json:"x"`
		Y int64  `json:"y"`
		Z int    `json:"z"`
		I *int64 `json:"i"`
	}
	if err := readFakeBody(r, &req); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stack, err := s.GetItersOfOne(r.Context(), req.X, req.Y, req.I)
	if err != nil {
		writeFakeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeFakeJSON(w, http.StatusOK, stack)
}

func (f *fakeC7) rangeQuery(w http.ResponseWriter, r *http.Request) {
	s, _ := f.reg.Get(0)
	var req struct {
		MinX  int64 `json:"min_x"`
		MaxX  int64 `json:"max_x"`
		MinY  int64 `json:"min_y"`
		MaxY  int64 `json:"max_y"`
		Limit int   `json:"limit"`
	}
	if err := readFakeBody(r, &req); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rows, err := s.RangeQuery(r.Context(), req.MinX, req.MaxX, req.MinY, req.MaxY, req.Limit)
	if err != nil {
		writeFakeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeFakeJSON(w, http.StatusOK, map[string]interface{}{"entities": rows})
}

func (f *fakeC7) health(w http.ResponseWriter, r *http.Request) {
	s, _ := f.reg.Get(0)
	writeFakeJSON(w, http.StatusOK, s.Health())
}

func nullLog() (*log.Logger, *log.Logger) {
	l := log.New(io.Discard, "", 0)
	return l, l
}

// testGateway wires the same components main.go wires — token codec,
// blacklist, rate limiter, backend client, handlers — against a fakeC7
// httptest.Server, and exposes the token check and per-principal edit
// limiter that the real mux installs for mint/newiter.
type testGateway struct {
	codec *token.Codec
	bl    *blacklist.List
	lim   *ratelimit.Limiter
	h     *handlers
	ak    *apiKeyHandlers
	srv   *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	info, errl := nullLog()
	reg, err := registry.Open(context.Background(), []int{0}, info, errl, func(zone int) store.Config {
		return store.Config{
			Zone: zone, DBDir: ":memory:", DriverName: "sqlite",
			PoolSize: 1, FlushInterval: time.Hour, MaxQueueRows: 100, LRUCacheSize: 64,
		}
	})
	if err != nil {
		t.Fatalf("open fake backend registry: %v", err)
	}
	t.Cleanup(func() { reg.Close(context.Background()) })

	fake := &fakeC7{reg: reg}
	srv := httptest.NewServer(fake.mux())
	t.Cleanup(srv.Close)

	codec := token.New(filepath.Join(t.TempDir(), "key.json"))
	bl := blacklist.Load(filepath.Join(t.TempDir(), "blacklist.json"))
	lim := ratelimit.New()
	client := backend.New(srv.URL, "fake-service-key")

	return &testGateway{
		codec: codec,
		bl:    bl,
		lim:   lim,
		h:     &handlers{backend: client, zones: map[int]bool{0: true}},
		ak:    &apiKeyHandlers{codec: codec, bl: bl},
		srv:   srv,
	}
}

// call drives a handler through the real requireToken+rateLimited("edit")
// wrapping that main.go installs for mint/newiter; main.go's outer per-IP
// limiter is not part of this chain.
func (g *testGateway) call(method, path, apiKey string, body interface{}, next http.HandlerFunc) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(string(raw)))
	req.RemoteAddr = "203.0.113.1:12345"
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()

	wrapped := requireToken(g.codec, g.bl, rateLimited(g.lim, "edit", true, next))
	wrapped(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func mustToken(t *testing.T, g *testGateway, principal string) string {
	t.Helper()
	blob, err := g.codec.Encode(principal)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return blob
}

func TestMintFreshGenesisEntity(t *testing.T) {
	g := newTestGateway(t)
	alice := mustToken(t, g, "alice")

	rr := g.call("POST", "/api/mint", alice, mintRequest{Zone: 0, X: 5, Y: 5, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Entities []entity.Entity `json:"entities"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Entities) != 1 {
		t.Fatalf("expected exactly one persisted iteration, got %d", len(resp.Entities))
	}
	got := resp.Entities[0]
	if !got.Minted || got.Ownership == nil || *got.Ownership != "alice" {
		t.Fatalf("expected alice to own a minted entity, got %+v", got)
	}
	if got.State != entity.StateMinted {
		t.Fatalf("expected StateMinted for a freshly minted iter 0, got %v", got.State)
	}
}

func TestMintConflictsOnAlreadyMinted(t *testing.T) {
	g := newTestGateway(t)
	alice := mustToken(t, g, "alice")
	bob := mustToken(t, g, "bob")

	rr := g.call("POST", "/api/mint", alice, mintRequest{Zone: 0, X: 1, Y: 1, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusOK {
		t.Fatalf("alice's mint should succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = g.call("POST", "/api/mint", bob, mintRequest{Zone: 0, X: 1, Y: 1, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when bob mints alice's cell, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewIterByGenesisOwnerSucceeds(t *testing.T) {
	g := newTestGateway(t)
	alice := mustToken(t, g, "alice")

	rr := g.call("POST", "/api/mint", alice, mintRequest{Zone: 0, X: 2, Y: 2, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusOK {
		t.Fatalf("mint genesis: %d: %s", rr.Code, rr.Body.String())
	}

	rr = g.call("POST", "/api/newiter", alice, newIterRequest{Zone: 0, X: 2, Y: 2}, g.h.newIter)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from owner's newiter, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Entities []entity.Entity `json:"entities"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Entities) != 2 {
		t.Fatalf("expected genesis + new iteration on file, got %d", len(resp.Entities))
	}
	var genesis, next *entity.Entity
	for i := range resp.Entities {
		switch resp.Entities[i].Iter {
		case 0:
			genesis = &resp.Entities[i]
		case 1:
			next = &resp.Entities[i]
		}
	}
	if genesis == nil || next == nil {
		t.Fatalf("expected an iter=0 and an iter=1 row, got %+v", resp.Entities)
	}
	if next.Name == "" || next.Description == "" {
		t.Fatal("expected the new iteration to carry a synthesized name/description")
	}
	if genesis.Index == nil || next.Index == nil || *genesis.Index != *next.Index {
		t.Fatalf("expected iter=0 and iter=1 to share one index, got genesis=%v next=%v", genesis.Index, next.Index)
	}
}

func TestNewIterDeniedForNonOwner(t *testing.T) {
	g := newTestGateway(t)
	alice := mustToken(t, g, "alice")
	bob := mustToken(t, g, "bob")

	rr := g.call("POST", "/api/mint", alice, mintRequest{Zone: 0, X: 3, Y: 3, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusOK {
		t.Fatalf("mint genesis: %d: %s", rr.Code, rr.Body.String())
	}

	rr = g.call("POST", "/api/newiter", bob, newIterRequest{Zone: 0, X: 3, Y: 3}, g.h.newIter)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when a non-owner requests a new iteration, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireTokenRejectsBlacklistedPrincipal(t *testing.T) {
	g := newTestGateway(t)
	mallory := mustToken(t, g, "mallory")
	if err := g.bl.Add("mallory"); err != nil {
		t.Fatalf("ban mallory: %v", err)
	}

	rr := g.call("POST", "/api/mint", mallory, mintRequest{Zone: 0, X: 9, Y: 9, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a blacklisted principal, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireTokenRejectsMalformedKey(t *testing.T) {
	g := newTestGateway(t)
	rr := g.call("POST", "/api/mint", "not-a-real-token", mintRequest{Zone: 0, X: 1, Y: 1, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d: %s", rr.Code, rr.Body.String())
	}
}

// sealExpiredToken hand-seals a token payload the way token.Codec.Encode
// does, but with an issuance timestamp 400 days in the past, to exercise
// Authorize's maxAge check end-to-end without exporting Codec internals.
func sealExpiredToken(t *testing.T, keyFile string) string {
	t.Helper()
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	var kf struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &kf); err != nil {
		t.Fatalf("parse key file: %v", err)
	}
	key, err := base64.StdEncoding.DecodeString(kf.Key)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}

	issued := time.Now().UTC().Add(-400 * 24 * time.Hour).Format(time.RFC3339)
	plaintext := []byte("alice**11111111-1111-4111-8111-111111111111**" + issued)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("new gcm: %v", err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed)
}

func TestRequireTokenRejectsExpiredToken(t *testing.T) {
	g := newTestGateway(t)
	keyFile := filepath.Join(t.TempDir(), "key.json")
	g.codec = token.New(keyFile)
	// Force key generation/persistence so sealExpiredToken can share it.
	if _, err := g.codec.Encode("bootstrap"); err != nil {
		t.Fatalf("force key generation: %v", err)
	}

	expired := sealExpiredToken(t, keyFile)
	rr := g.call("POST", "/api/mint", expired, mintRequest{Zone: 0, X: 1, Y: 1, Iter: 0}, g.h.mint)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token older than the max age, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestIssueCheckRenewRoundTrip(t *testing.T) {
	g := newTestGateway(t)

	issueReq := httptest.NewRequest("POST", "/api/APIKey", strings.NewReader(`{"parts":["carol"]}`))
	issueRR := httptest.NewRecorder()
	g.ak.issue(issueRR, issueReq)
	if issueRR.Code != http.StatusOK {
		t.Fatalf("issue: %d: %s", issueRR.Code, issueRR.Body.String())
	}
	var issued struct {
		APIKey string `json:"api_key"`
	}
	decodeJSON(t, issueRR, &issued)

	checkReq := httptest.NewRequest("POST", "/api/CheckAPIKey", strings.NewReader(`{"api_key":"`+issued.APIKey+`"}`))
	checkRR := httptest.NewRecorder()
	g.ak.check(checkRR, checkReq)
	var checked struct {
		Valid     bool   `json:"valid"`
		Principal string `json:"principal"`
	}
	decodeJSON(t, checkRR, &checked)
	if !checked.Valid || checked.Principal != "carol" {
		t.Fatalf("expected carol's freshly issued token to check out valid, got %+v", checked)
	}

	renewReq := httptest.NewRequest("POST", "/api/APIKey/renew", strings.NewReader(`{"api_key":"`+issued.APIKey+`"}`))
	renewRR := httptest.NewRecorder()
	g.ak.renew(renewRR, renewReq)
	if renewRR.Code != http.StatusOK {
		t.Fatalf("renew: %d: %s", renewRR.Code, renewRR.Body.String())
	}
}

func TestRenderFillsGenesisForEmptyCells(t *testing.T) {
	g := newTestGateway(t)

	reqBody, _ := json.Marshal(rangeRequest{Zone: 0, X: 0, Y: 0, Radius: 1})
	req := httptest.NewRequest("POST", "/api/render", strings.NewReader(string(reqBody)))
	rr := httptest.NewRecorder()
	g.h.render(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("render: %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Grid []entity.Entity `json:"grid"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Grid) != 9 {
		t.Fatalf("expected a 3x3 fully genesis-filled grid, got %d cells", len(resp.Grid))
	}
	for _, e := range resp.Grid {
		if e.Minted {
			t.Fatalf("expected every unminted cell in an empty zone to stay unminted, got %+v", e)
		}
	}
}

func TestHealthProxiesBackend(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	g.h.health(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBackendUnreachableDegradesToEnvelope(t *testing.T) {
	// A client pointed at an address nothing listens on, to exercise the
	// gateway's apierr.BackendUnreachable degrade-to-2xx-envelope path.
	client := backend.New("http://127.0.0.1:1", "fake-service-key")
	h := &handlers{backend: client, zones: map[int]bool{0: true}}

	reqBody, _ := json.Marshal(rangeRequest{Zone: 0, X: 0, Y: 0, Radius: 1})
	req := httptest.NewRequest("POST", "/api/render", strings.NewReader(string(reqBody)))
	req = req.WithContext(context.Background())
	rr := httptest.NewRecorder()
	h.render(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected the §7 2xx envelope even when the backend is unreachable, got %d", rr.Code)
	}
	var env errorEnvelope
	decodeJSON(t, rr, &env)
	if env.Message != "ERROR" {
		t.Fatalf("expected an ERROR envelope, got %+v", env)
	}
}
