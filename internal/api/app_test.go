package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/gemini"
	"github.com/kalambet/echoes/internal/history"
	"github.com/kalambet/echoes/internal/narration"
	"github.com/kalambet/echoes/internal/pipeline"
	"github.com/kalambet/echoes/internal/session"
	"github.com/kalambet/echoes/internal/storage"
)

const testToken = "test-token-12345"

// sunday is 2026-03-01.
var sunday = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type mockProvider struct {
	mu         sync.Mutex
	lastReq    pipeline.RecommendRequest
	contentErr error
	speechErr  error
}

func (m *mockProvider) Recommend(ctx context.Context, req pipeline.RecommendRequest) ([]echo.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	return []echo.Candidate{
		{ID: "c0", Title: "Yellowstone founded", Year: "1872"},
		{ID: "c1", Title: "Nebraska admitted", Year: "1867"},
	}, nil
}

func (m *mockProvider) Content(ctx context.Context, req pipeline.ContentRequest) (echo.Result, error) {
	if err := ctx.Err(); err != nil {
		return echo.Result{}, err
	}
	if m.contentErr != nil {
		return echo.Result{}, m.contentErr
	}
	return echo.Result{
		EventTitle: req.SelectedEvent.Title,
		Scripture:  echo.Scripture{Verse: "Be still.", Reference: "Psalm 46:10"},
		Posts: map[echo.Platform]echo.Post{
			echo.PlatformLong:   {Body: "long"},
			echo.PlatformMedium: {Body: "medium"},
			echo.PlatformShort:  {Body: "short"},
		},
		ImagePrompt: "scene",
	}, nil
}

func (m *mockProvider) Image(ctx context.Context, _ echo.Result, _ echo.AspectRatio) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "data:image/png;base64,AAAA", nil
}

func (m *mockProvider) Speech(context.Context, string) (gemini.Audio, error) {
	if m.speechErr != nil {
		return gemini.Audio{}, m.speechErr
	}
	return gemini.Audio{PCM: []byte{0, 0, 1, 0}, SampleRate: 24000}, nil
}

type testApp struct {
	h        http.Handler
	provider *mockProvider
	history  *history.Store
	kv       *storage.Store
}

func setupAppHandler(t *testing.T, token string) *testApp {
	t.Helper()
	kv, err := storage.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	hist, err := history.Open(kv, history.Options{})
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	p := &mockProvider{}
	sess, err := session.New(session.Options{
		Orchestrator: pipeline.New(p, p, p),
		History:      hist,
		Narrator:     narration.New(p, 0, nil, nil),
		Settings:     kv,
		Location:     time.UTC,
		Now:          func() time.Time { return sunday },
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	h := NewAppHandler(AppDeps{
		Session: sess,
		Token:   token,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "echoes_history_entries 0\n")
		}),
	})
	return &testApp{h: h, provider: p, history: hist, kv: kv}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, authReq(method, url, body, testToken))
	return w
}

func (a *testApp) complete(t *testing.T) echo.Result {
	t.Helper()
	if w := a.do(t, http.MethodPost, "/scan", ""); w.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}
	w := a.do(t, http.MethodPost, "/select", `{"index":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("select: %d %s", w.Code, w.Body.String())
	}
	var r echo.Result
	if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return r
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	a := setupAppHandler(t, testToken)
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, authReq(http.MethodGet, "/health", "", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetrics_NoAuth(t *testing.T) {
	a := setupAppHandler(t, testToken)
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, authReq(http.MethodGet, "/metrics", "", ""))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "echoes_history_entries") {
		t.Fatalf("metrics: %d %s", w.Code, w.Body.String())
	}
}

func TestAuth_Rejected(t *testing.T) {
	a := setupAppHandler(t, testToken)
	for _, tok := range []string{"", "wrong-token"} {
		w := httptest.NewRecorder()
		a.h.ServeHTTP(w, authReq(http.MethodGet, "/state", "", tok))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", tok, w.Code)
		}
		if got := errorType(t, w); got != "authentication_error" {
			t.Errorf("error type = %q", got)
		}
		if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
			t.Errorf("WWW-Authenticate = %q", got)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Basic "+testToken)
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("basic scheme: expected 401, got %d", w.Code)
	}
}

func TestAuth_SchemeCaseInsensitive(t *testing.T) {
	a := setupAppHandler(t, testToken)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "bearer "+testToken)
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("lowercase scheme: expected 200, got %d", w.Code)
	}
}

func TestState(t *testing.T) {
	a := setupAppHandler(t, testToken)
	w := a.do(t, http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st session.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if st.Formatted != "60/365" || st.Run.Phase != pipeline.PhaseIdle {
		t.Errorf("state = %+v", st)
	}
	if st.Filter.Era != echo.EraAncient || st.Filter.Category != echo.CategoryReligion {
		t.Errorf("Sunday filter = %+v", st.Filter)
	}
}

func TestSettings_Update(t *testing.T) {
	a := setupAppHandler(t, testToken)
	w := a.do(t, http.MethodPut, "/settings", `{"date":"2024-12-31","author":"Ada","era":"modern"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st session.State
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.Formatted != "366/366" {
		t.Errorf("Formatted = %q, want 366/366", st.Formatted)
	}
	if st.Author != "Ada" {
		t.Errorf("Author = %q", st.Author)
	}
	if st.Filter.Era != echo.EraModern || !st.Manual {
		t.Errorf("filter = %+v manual=%v", st.Filter, st.Manual)
	}
}

func TestSettings_Invalid(t *testing.T) {
	a := setupAppHandler(t, testToken)
	for _, body := range []string{
		`{"date":"2024-13-01"}`,
		`{"era":"jurassic"}`,
		`{"category":"sports"}`,
		`{not json`,
	} {
		w := a.do(t, http.MethodPut, "/settings", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestScanSelect_Flow(t *testing.T) {
	a := setupAppHandler(t, testToken)

	w := a.do(t, http.MethodPost, "/scan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}
	var scan struct {
		Candidates []echo.Candidate `json:"candidates"`
	}
	json.Unmarshal(w.Body.Bytes(), &scan)
	if len(scan.Candidates) != 2 {
		t.Fatalf("candidates = %+v", scan.Candidates)
	}

	w = a.do(t, http.MethodPost, "/select", `{"id":"c0"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("select: %d %s", w.Code, w.Body.String())
	}
	var r echo.Result
	json.Unmarshal(w.Body.Bytes(), &r)
	if r.EventTitle != "Yellowstone founded" || r.DayNumber != 60 || r.ImageURL == "" {
		t.Errorf("result = %+v", r)
	}
}

func TestScanSelect_ClientGoneRunCompletes(t *testing.T) {
	a := setupAppHandler(t, testToken)
	gone := func(method, url, body string) *httptest.ResponseRecorder {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := httptest.NewRecorder()
		a.h.ServeHTTP(w, authReq(method, url, body, testToken).WithContext(ctx))
		return w
	}

	if w := gone(http.MethodPost, "/scan", ""); w.Code != http.StatusOK {
		t.Fatalf("scan with cancelled client: %d %s", w.Code, w.Body.String())
	}
	if w := gone(http.MethodPost, "/select", `{"index":0}`); w.Code != http.StatusOK {
		t.Fatalf("select with cancelled client: %d %s", w.Code, w.Body.String())
	}

	var st session.State
	w := a.do(t, http.MethodGet, "/state", "")
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if st.Run.Phase != pipeline.PhaseCompleted {
		t.Errorf("phase = %q, want completed", st.Run.Phase)
	}
}

func TestScan_More(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.do(t, http.MethodPost, "/scan", "")
	if w := a.do(t, http.MethodPost, "/scan", `{"more":true}`); w.Code != http.StatusOK {
		t.Fatalf("scan more: %d", w.Code)
	}
	a.provider.mu.Lock()
	exclude := a.provider.lastReq.Exclude
	a.provider.mu.Unlock()
	if len(exclude) != 2 {
		t.Errorf("Exclude = %v, want previous titles", exclude)
	}
}

func TestSelect_WrongPhase(t *testing.T) {
	a := setupAppHandler(t, testToken)
	w := a.do(t, http.MethodPost, "/select", `{"index":0}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if got := errorType(t, w); got != "invalid_phase" {
		t.Errorf("error type = %q", got)
	}
}

func TestSelect_UnknownCandidate(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.do(t, http.MethodPost, "/scan", "")
	w := a.do(t, http.MethodPost, "/select", `{"id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSelect_ProviderFailure(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.provider.contentErr = errors.New("upstream exploded")
	a.do(t, http.MethodPost, "/scan", "")

	w := a.do(t, http.MethodPost, "/select", `{"index":0}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorType(t, w); got != string(echo.KindContentFetchFailed) {
		t.Errorf("error type = %q", got)
	}

	var st session.State
	json.Unmarshal(a.do(t, http.MethodGet, "/state", "").Body.Bytes(), &st)
	if st.Run.Phase != pipeline.PhaseError || st.Run.Err == nil || st.Run.Result != nil {
		t.Errorf("run after failure = %+v", st.Run)
	}
}

func TestReset(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.complete(t)
	w := a.do(t, http.MethodPost, "/reset", "")
	var st session.State
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.Run.Phase != pipeline.PhaseIdle || st.Run.Result != nil {
		t.Errorf("after reset: %+v", st.Run)
	}
}

func TestUpdateResult(t *testing.T) {
	a := setupAppHandler(t, testToken)

	if w := a.do(t, http.MethodPatch, "/result", `{"image_overlay_text":"x"}`); w.Code != http.StatusConflict {
		t.Fatalf("edit before completion: expected 409, got %d", w.Code)
	}

	a.complete(t)
	w := a.do(t, http.MethodPatch, "/result", `{"image_overlay_text":"Remember","narrator_author_name":"Ada"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", w.Code, w.Body.String())
	}
	var r echo.Result
	json.Unmarshal(w.Body.Bytes(), &r)
	if r.ImageOverlayText != "Remember" || r.NarratorAuthorName != "Ada" {
		t.Errorf("edited result = %+v", r)
	}
}

func TestHistory_SaveListLoadDelete(t *testing.T) {
	a := setupAppHandler(t, testToken)

	if w := a.do(t, http.MethodPost, "/history", ""); w.Code != http.StatusConflict {
		t.Fatalf("save before completion: expected 409, got %d", w.Code)
	}

	a.complete(t)
	w := a.do(t, http.MethodPost, "/history", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("save: %d %s", w.Code, w.Body.String())
	}
	var entry echo.HistoryEntry
	json.Unmarshal(w.Body.Bytes(), &entry)

	w = a.do(t, http.MethodGet, "/history", "")
	var list struct {
		Entries []echo.HistoryEntry `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Entries) != 1 || list.Entries[0].ID != entry.ID {
		t.Fatalf("list = %+v", list.Entries)
	}

	a.do(t, http.MethodPost, "/reset", "")
	w = a.do(t, http.MethodGet, "/history/"+entry.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("load: %d %s", w.Code, w.Body.String())
	}
	var st session.State
	json.Unmarshal(a.do(t, http.MethodGet, "/state", "").Body.Bytes(), &st)
	if st.Run.Phase != pipeline.PhaseCompleted {
		t.Errorf("phase after load = %s, want completed", st.Run.Phase)
	}

	if w := a.do(t, http.MethodDelete, "/history/"+entry.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := a.do(t, http.MethodDelete, "/history/"+entry.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("second delete: %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, "/history/"+entry.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("load deleted: expected 404, got %d", w.Code)
	}
}

func TestHistory_QuotaExceeded(t *testing.T) {
	kv, err := storage.Open(":memory:", 256)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	hist, _ := history.Open(kv, history.Options{})
	p := &mockProvider{}
	sess, err := session.New(session.Options{
		Orchestrator: pipeline.New(p, p, p),
		History:      hist,
		Narrator:     narration.New(p, 0, nil, nil),
		Settings:     kv,
		Location:     time.UTC,
		Now:          func() time.Time { return sunday },
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	a := &testApp{h: NewAppHandler(AppDeps{Session: sess, Token: testToken}), provider: p}
	a.complete(t)

	w := a.do(t, http.MethodPost, "/history", "")
	if w.Code != http.StatusInsufficientStorage {
		t.Fatalf("expected 507, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorType(t, w); got != string(echo.KindStorageQuotaExceeded) {
		t.Errorf("error type = %q", got)
	}

	// The result survives a failed save.
	var st session.State
	json.Unmarshal(a.do(t, http.MethodGet, "/state", "").Body.Bytes(), &st)
	if st.Run.Phase != pipeline.PhaseCompleted || st.Run.Result == nil {
		t.Errorf("run after quota failure = %+v", st.Run)
	}
}

func TestHistory_Reconcile(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.kv.Set("echoes/item/v1/echo_orphan", []byte("{}"))
	w := a.do(t, http.MethodPost, "/history/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", w.Code)
	}
	var got map[string]int
	json.Unmarshal(w.Body.Bytes(), &got)
	if got["removed_blobs"] != 1 || got["dropped_entries"] != 0 {
		t.Errorf("reconcile = %v", got)
	}
}

func TestNarrate(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.complete(t)

	w := a.do(t, http.MethodPost, "/narrate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("narrate: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("RIFF")) {
		t.Errorf("body does not start with a RIFF header")
	}
}

func TestNarrate_Failure(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.provider.speechErr = fmt.Errorf("tts: %w", context.DeadlineExceeded)
	a.complete(t)

	w := a.do(t, http.MethodPost, "/narrate", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", echo.ErrSuperseded), http.StatusConflict},
		{narration.ErrBusy, http.StatusConflict},
		{echo.ProviderFailure(echo.KindImageFetchFailed, errors.New("boom")), http.StatusBadGateway},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeError(w, tt.err)
		if w.Code != tt.code {
			t.Errorf("writeError(%v) = %d, want %d", tt.err, w.Code, tt.code)
		}
	}
}
