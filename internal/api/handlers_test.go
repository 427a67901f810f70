package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"voxscribe/internal/auth"
	"voxscribe/internal/config"
	"voxscribe/internal/models"
	"voxscribe/internal/pipeline"
	"voxscribe/internal/storage"
	"voxscribe/internal/tempstore"
	"voxscribe/internal/transcription"
)

const testJWTSecret = "handler-test-secret"

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	store    *tempstore.Store
	upstream *httptest.Server
	payload  atomic.Value
	status   atomic.Int32
	calls    atomic.Int32
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store, err := tempstore.New(t.TempDir(), maxUpload, zerolog.Nop())
	if err != nil {
		t.Fatalf("tempstore: %v", err)
	}

	ts := &testServer{db: db, store: store}
	ts.payload.Store(`{"results":{"channels":[{"alternatives":[{"transcript":"hello world"}]}]}}`)
	ts.status.Store(http.StatusOK)
	ts.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(int(ts.status.Load()))
		w.Write([]byte(ts.payload.Load().(string)))
	}))

	verifier, err := auth.NewJWTVerifier(auth.JWTOptions{Secret: testJWTSecret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	repo := storage.NewTranscriptRepository(db, "sqlite3")
	client := transcription.NewDeepgramClient(transcription.DeepgramConfig{BaseURL: ts.upstream.URL, APIKey: "dg", Timeout: 2 * time.Second})
	p := pipeline.New(store, verifier, client, repo, pipeline.Config{
		Options: transcription.Options{Model: "nova-2", SmartFormat: true},
	}, zerolog.Nop())
	handler := NewHandler(p, repo, verifier, zerolog.Nop(), maxUpload)
	ts.router = NewRouter(handler, []string{"http://localhost:3000"}, zerolog.Nop())

	t.Cleanup(func() {
		ts.upstream.Close()
		db.Close()
	})
	return ts
}

func bearerFor(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postMultipart(t *testing.T, router *gin.Engine, path, field, filename string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.WriteField("note", "meeting"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM transcriptions`).Scan(&count); err != nil {
		t.Fatalf("count transcriptions: %v", err)
	}
	return count
}

func assertNoStagedFiles(t *testing.T, store *tempstore.Store) {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no staged files, found %d", len(entries))
	}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	alice := bearerFor(t, "alice")
	bob := bearerFor(t, "bob")

	rec := postMultipart(t, ts.router, "/transcribe", AudioField, "standup.wav", []byte("RIFF-audio"), alice)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Message    string `json:"message"`
		Transcript string `json:"transcript"`
		Filename   string `json:"filename"`
		UserID     string `json:"userId"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Transcript != "hello world" || body.UserID != "alice" || body.Message == "" {
		t.Fatalf("unexpected response %+v", body)
	}
	if !strings.HasSuffix(body.Filename, "-standup.wav") {
		t.Fatalf("expected stored filename, got %q", body.Filename)
	}
	assertNoStagedFiles(t, ts.store)

	ts.payload.Store(`{"results":{"channels":[{"alternatives":[{"transcript":"a"},{"transcript":"b"}]}]}}`)
	assertStatus(t, postMultipart(t, ts.router, "/api/transcribe", AudioField, "bob.wav", []byte("RIFF"), bob), http.StatusOK)
	ts.payload.Store(`{"metadata":{}}`)
	assertStatus(t, postMultipart(t, ts.router, "/transcribe", AudioField, "second.wav", []byte("RIFF"), alice), http.StatusOK)

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/transcripts", nil, alice)
	assertStatus(t, rec, http.StatusOK)
	var records []models.TranscriptRecord
	decodeJSON(t, rec.Body.Bytes(), &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(records))
	}
	if records[0].Transcript != "" || records[1].Transcript != "hello world" {
		t.Fatalf("expected newest first, got %+v", records)
	}
	for _, r := range records {
		if r.UserID != "alice" {
			t.Fatalf("alice's listing contains %q's record", r.UserID)
		}
	}

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/api/transcripts", nil, bob)
	assertStatus(t, rec, http.StatusOK)
	records = nil
	decodeJSON(t, rec.Body.Bytes(), &records)
	if len(records) != 1 || records[0].Transcript != "a b" || records[0].UserID != "bob" {
		t.Fatalf("unexpected bob listing %+v", records)
	}
	var rawRecords []map[string]any
	decodeJSON(t, rec.Body.Bytes(), &rawRecords)
	for _, key := range []string{"id", "userId", "filename", "transcript", "createdAt"} {
		if _, ok := rawRecords[0][key]; !ok {
			t.Fatalf("listing entry missing %q: %v", key, rawRecords[0])
		}
	}

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/transcripts", nil, bearerFor(t, "carol"))
	assertStatus(t, rec, http.StatusOK)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
	assertNoStagedFiles(t, ts.store)
}

func TestTranscribeRejectsMissingFile(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	for _, rec := range []*httptest.ResponseRecorder{
		postMultipart(t, ts.router, "/transcribe", "", "", nil, bearerFor(t, "alice")),
		postMultipart(t, ts.router, "/transcribe", "file", "wrong-field.wav", []byte("x"), bearerFor(t, "alice")),
		doJSONRequest(t, ts.router, http.MethodPost, "/transcribe", map[string]string{"audio": "x"}, bearerFor(t, "alice")),
	} {
		assertStatus(t, rec, http.StatusBadRequest)
		var body map[string]string
		decodeJSON(t, rec.Body.Bytes(), &body)
		if body["message"] == "" {
			t.Fatalf("missing message in %v", body)
		}
	}
	if ts.calls.Load() != 0 || countRecords(t, ts.db) != 0 {
		t.Fatalf("upstream or repository touched without a file")
	}
}

func TestTranscribeRejectsBadAuth(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	for _, headers := range []map[string]string{
		nil,
		{"Authorization": "Basic abc"},
		{"Authorization": "Bearer not-a-jwt"},
		{"Authorization": "Bearer " + expired},
	} {
		rec := postMultipart(t, ts.router, "/transcribe", AudioField, "clip.wav", []byte("RIFF"), headers)
		assertStatus(t, rec, http.StatusUnauthorized)
	}
	if ts.calls.Load() != 0 || countRecords(t, ts.db) != 0 {
		t.Fatalf("later stages ran after auth failure")
	}
	assertNoStagedFiles(t, ts.store)
}

func TestTranscribeUpstreamFailure(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ts.status.Store(http.StatusInternalServerError)
	ts.payload.Store(`{"err_code":"INTERNAL","err_msg":"engine down"}`)

	rec := postMultipart(t, ts.router, "/transcribe", AudioField, "clip.wav", []byte("RIFF"), bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusBadGateway)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.Contains(body["error"], "500") {
		t.Fatalf("expected upstream status in error detail, got %v", body)
	}

	ts.status.Store(http.StatusOK)
	rec = postMultipart(t, ts.router, "/transcribe", AudioField, "clip.wav", []byte("RIFF"), bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusBadGateway)

	if countRecords(t, ts.db) != 0 {
		t.Fatalf("record created after upstream failure")
	}
	assertNoStagedFiles(t, ts.store)
}

func TestTranscribeStorageFailure(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	if _, err := ts.db.Exec(`DROP TABLE transcriptions`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	rec := postMultipart(t, ts.router, "/transcribe", AudioField, "clip.wav", []byte("RIFF"), bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusInternalServerError)
	assertNoStagedFiles(t, ts.store)

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/transcripts", nil, bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusInternalServerError)
}

func TestTranscribeRejectsOversizedUpload(t *testing.T) {
	ts := newTestServer(t, 1024)
	rec := postMultipart(t, ts.router, "/transcribe", AudioField, "big.wav", bytes.Repeat([]byte("x"), 4096), bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
	if ts.calls.Load() != 0 {
		t.Fatalf("upstream called for oversized upload")
	}
	assertNoStagedFiles(t, ts.store)

	rec = postMultipart(t, ts.router, "/transcribe", AudioField, "huge.wav", bytes.Repeat([]byte("x"), 3<<20), bearerFor(t, "alice"))
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestTranscriptsRequiresToken(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	rec := doJSONRequest(t, ts.router, http.MethodGet, "/transcripts", nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestHealthAndMiddleware(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("cors header missing: %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("inbound request id not propagated, got %q", got)
	}
}

func TestHealthChecks(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	handler := NewHandler(nil, nil, staticVerifier{}, zerolog.Nop(), 0)
	handler.AddHealthCheck("database", ts.db.PingContext)
	router := NewRouter(handler, nil, zerolog.Nop())

	rec := doJSONRequest(t, router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, rec, http.StatusOK)

	handler.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec = doJSONRequest(t, router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, rec, http.StatusServiceUnavailable)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Status != "degraded" || body.Checks["database"] != "ok" || body.Checks["redis"] != "unavailable" {
		t.Fatalf("unexpected health body %+v", body)
	}
}

type panickingLister struct{}

func (panickingLister) ListByUser(context.Context, string) ([]models.TranscriptRecord, error) {
	panic("lister exploded")
}

type staticVerifier struct{}

func (staticVerifier) Resolve(context.Context, string) (models.User, error) {
	return models.User{ID: "u"}, nil
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, panickingLister{}, staticVerifier{}, zerolog.Nop(), 0)
	router := NewRouter(handler, nil, zerolog.Nop())
	rec := doJSONRequest(t, router, http.MethodGet, "/transcripts", nil, map[string]string{"Authorization": "Bearer x"})
	assertStatus(t, rec, http.StatusInternalServerError)
}

func TestStatusFor(t *testing.T) {
	cases := map[pipeline.Kind]int{
		pipeline.KindNoFile:   http.StatusBadRequest,
		pipeline.KindTooLarge: http.StatusRequestEntityTooLarge,
		pipeline.KindBadAuth:  http.StatusUnauthorized,
		pipeline.KindUpstream: http.StatusBadGateway,
		pipeline.KindBusy:     http.StatusServiceUnavailable,
		pipeline.KindStorage:  http.StatusInternalServerError,
		pipeline.KindInternal: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}
