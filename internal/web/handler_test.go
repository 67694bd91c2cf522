package web

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/septivank/electricity-meter-portal/internal/anomaly"
	"github.com/septivank/electricity-meter-portal/internal/archive"
	"github.com/septivank/electricity-meter-portal/internal/maintenance"
	"github.com/septivank/electricity-meter-portal/internal/service"
	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/internal/validator"
	"go.uber.org/zap/zaptest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestServer(t *testing.T, debugToken string) (http.Handler, *service.Portal, *testClock) {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local)}
	maint := maintenance.NewController(0, 1)
	logger := zaptest.NewLogger(t)

	portal, err := service.NewPortal(service.PortalConfig{
		LiveStore:    store.NewLiveStore(filepath.Join(dir, "electricity_record.json")),
		ArchiveStore: archive.NewStore(filepath.Join(dir, "electricity_archive.json")),
		Maintenance:  maint,
		Validator:    validator.NewValidator(maint.InWindow),
		Detector:     anomaly.NewDetector(3.0, 3),
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to create portal: %v", err)
	}

	h, err := New(portal, logger, Options{DebugToken: debugToken, MaxUploadBytes: 1 << 20})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return h.Routes(), portal, clock
}

func postForm(t *testing.T, srv http.Handler, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// flashesOf decodes the flash cookie set by a response
func flashesOf(t *testing.T, rec *httptest.ResponseRecorder) []Flash {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return popFlashes(httptest.NewRecorder(), req)
}

func hasFlash(flashes []Flash, category, substr string) bool {
	for _, f := range flashes {
		if f.Category == category && strings.Contains(f.Message, substr) {
			return true
		}
	}
	return false
}

func register(t *testing.T, srv http.Handler, meterID string) {
	t.Helper()
	rec := postForm(t, srv, "/register", url.Values{
		"username":      {"alice"},
		"meter_id":      {meterID},
		"dwelling_type": {"Apartment"},
		"region":        {"Central"},
		"area":          {"Bishan"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("register: expected 303, got %d", rec.Code)
	}
}

func TestIndex(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Electricity Meter Portal") {
		t.Error("index page missing title")
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}
}

func TestRegister_FlashRoundTrip(t *testing.T) {
	srv, portal, _ := newTestServer(t, "")

	rec := postForm(t, srv, "/register", url.Values{"username": {"alice"}, "meter_id": {"M1"}})
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/register" {
		t.Fatalf("expected redirect to /register, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if _, ok := portal.Snapshot()["M1"]; !ok {
		t.Fatal("meter was not registered")
	}

	req := httptest.NewRequest(http.MethodGet, "/register", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	page := httptest.NewRecorder()
	srv.ServeHTTP(page, req)
	if !strings.Contains(page.Body.String(), "Successfully registered!") {
		t.Error("flash message not rendered on the next page")
	}

	rec = postForm(t, srv, "/register", url.Values{"username": {"bob"}, "meter_id": {"M1"}})
	if !hasFlash(flashesOf(t, rec), FlashError, "Meter ID already exists!") {
		t.Error("expected duplicate meter flash")
	}

	rec = postForm(t, srv, "/register", url.Values{"meter_id": {"M2"}})
	if !hasFlash(flashesOf(t, rec), FlashError, "Please fill all required fields!") {
		t.Error("expected missing field flash")
	}
}

func TestReading_Manual(t *testing.T) {
	srv, portal, _ := newTestServer(t, "")
	register(t, srv, "M1")

	rec := postForm(t, srv, "/reading", url.Values{
		"meter_id":    {"M1"},
		"meter_value": {"12.5"},
		"update_time": {"2025-01-01 11:30:00"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if !hasFlash(flashesOf(t, rec), FlashSuccess, "recorded successfully") {
		t.Errorf("expected success flash, got %+v", flashesOf(t, rec))
	}
	if n := len(portal.Snapshot()["M1"].MeterReadings); n != 1 {
		t.Errorf("expected 1 reading, got %d", n)
	}

	rec = postForm(t, srv, "/reading", url.Values{
		"meter_id":    {"M9"},
		"meter_value": {"1"},
		"update_time": {"2025-01-01 11:30:00"},
	})
	if !hasFlash(flashesOf(t, rec), FlashError, "Meter ID M9 not found") {
		t.Error("expected not found flash")
	}
}

func TestReading_EmptyForm(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := postForm(t, srv, "/reading", url.Values{})
	if !hasFlash(flashesOf(t, rec), FlashError, "Please enter all fields") {
		t.Error("expected validation flash")
	}
}

func TestReading_DuringMaintenance(t *testing.T) {
	srv, portal, clock := newTestServer(t, "")
	register(t, srv, "M1")
	clock.Set(time.Date(2025, 1, 2, 0, 15, 0, 0, time.Local))

	rec := postForm(t, srv, "/reading", url.Values{
		"meter_id":    {"M1"},
		"meter_value": {"1"},
		"update_time": {"2025-01-01 23:30:00"},
	})
	if !hasFlash(flashesOf(t, rec), FlashError, "Server maintenance!") {
		t.Errorf("expected maintenance flash, got %+v", flashesOf(t, rec))
	}
	if n := len(portal.Snapshot()["M1"].MeterReadings); n != 0 {
		t.Errorf("reading accepted during maintenance")
	}
}

func multipartCSV(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	fw.Write([]byte(content)) //nolint:errcheck
	mw.WriteField("meter_id", "")    //nolint:errcheck
	mw.WriteField("meter_value", "") //nolint:errcheck
	mw.WriteField("update_time", "") //nolint:errcheck
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestReading_CSVUpload(t *testing.T) {
	srv, portal, _ := newTestServer(t, "")
	register(t, srv, "M1")

	body, contentType := multipartCSV(t, "readings.csv",
		"meter_id,electricity,update_time\n"+
			"M1,1.0,2025-01-01 10:00:00\n"+
			"M1,1.5,2025-01-01 10:30:00\n"+
			"M2,3,2025-01-01 10:30:00\n")
	req := httptest.NewRequest(http.MethodPost, "/reading", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	flashes := flashesOf(t, rec)
	if !hasFlash(flashes, FlashSuccess, "2 of 3 meter readings recorded") {
		t.Errorf("expected batch summary, got %+v", flashes)
	}
	if !hasFlash(flashes, FlashError, "row 4: Meter ID M2 not found") {
		t.Errorf("expected row error, got %+v", flashes)
	}
	if n := len(portal.Snapshot()["M1"].MeterReadings); n != 2 {
		t.Errorf("expected 2 readings, got %d", n)
	}
}

func TestReading_CSVBadHeaderAndExtension(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	body, contentType := multipartCSV(t, "readings.csv", "id,value,time\nM1,1,2025-01-01 10:00:00\n")
	req := httptest.NewRequest(http.MethodPost, "/reading", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if !hasFlash(flashesOf(t, rec), FlashError, "CSV format incorrect!") {
		t.Errorf("expected format flash, got %+v", flashesOf(t, rec))
	}

	body, contentType = multipartCSV(t, "readings.txt", "meter_id,electricity,update_time\n")
	req = httptest.NewRequest(http.MethodPost, "/reading", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if !hasFlash(flashesOf(t, rec), FlashError, "Only .csv files") {
		t.Errorf("expected extension flash, got %+v", flashesOf(t, rec))
	}
}

func TestQueryAndHistoryPages(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	register(t, srv, "M1")
	for _, r := range []struct{ value, at string }{{"3", "2025-01-01 10:00:00"}, {"4.5", "2025-01-01 10:30:00"}} {
		postForm(t, srv, "/reading", url.Values{"meter_id": {"M1"}, "meter_value": {r.value}, "update_time": {r.at}})
	}

	rec := postForm(t, srv, "/query", url.Values{"meter_id": {"M1"}, "query_timestamp": {"2025-01-01 10:30:00"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "2025-01-01 10:00:00: 3.0 kWh") {
		t.Errorf("query result missing from page: %s", rec.Body.String())
	}

	rec = postForm(t, srv, "/query", url.Values{"meter_id": {"M1"}, "query_timestamp": {"2025-01-01 10:30:00"}, "tolerance": {"-5"}})
	if !hasFlash(flashesOf(t, rec), FlashError, "Tolerance") {
		t.Error("expected tolerance flash")
	}

	// large enough to overflow a time.Duration if converted naively
	rec = postForm(t, srv, "/query", url.Values{"meter_id": {"M1"}, "query_timestamp": {"2025-01-01 10:30:00"}, "tolerance": {"9000000000000"}})
	if rec.Code != http.StatusSeeOther || !hasFlash(flashesOf(t, rec), FlashError, "Tolerance must be less than 900 seconds.") {
		t.Errorf("expected oversized tolerance to be rejected, got %d %+v", rec.Code, flashesOf(t, rec))
	}

	rec = postForm(t, srv, "/query", url.Values{"meter_id": {"M1"}, "query_timestamp": {"2025-01-01 10:30:00"}, "tolerance": {"1200"}})
	if rec.Code != http.StatusSeeOther || !hasFlash(flashesOf(t, rec), FlashError, "less than 900 seconds") {
		t.Error("expected a 20 minute tolerance to be rejected")
	}

	rec = postForm(t, srv, "/query", url.Values{"meter_id": {"M9"}, "query_timestamp": {"2025-01-01 10:30:00"}})
	if rec.Code != http.StatusSeeOther || !hasFlash(flashesOf(t, rec), FlashError, "Meter ID not found.") {
		t.Error("expected not found redirect")
	}

	rec = postForm(t, srv, "/history", url.Values{"meter_id": {"M1"}, "query_date": {"2025-01-01"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Daily usage calculated for 2025-01-01: 1.50 kWh from 2 readings.") {
		t.Errorf("history result missing from page: %s", rec.Body.String())
	}
}

func doJSON(t *testing.T, srv http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON from %s: %v (%s)", path, err, rec.Body.String())
	}
	return rec, out
}

func TestStopServerAPI(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec, out := doJSON(t, srv, http.MethodGet, "/stop_server", "")
	if rec.Code != http.StatusOK || out["stop_server"] != false || out["mode"] != "auto" {
		t.Errorf("unexpected status %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, srv, http.MethodPost, "/stop_server/set", "")
	if rec.Code != http.StatusBadRequest || out["error"] == nil {
		t.Errorf("expected 400 for missing value, got %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, srv, http.MethodPost, "/stop_server/set", `{"stop_server": true}`)
	if rec.Code != http.StatusOK || out["stop_server"] != true || out["mode"] != "forced" {
		t.Errorf("unexpected set response %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, srv, http.MethodPost, "/stop_server/toggle", "")
	if rec.Code != http.StatusOK || out["stop_server"] != false {
		t.Errorf("unexpected toggle response %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, srv, http.MethodPost, "/stop_server/toggle", `{"stop_server": true}`)
	if rec.Code != http.StatusOK || out["stop_server"] != true {
		t.Errorf("toggle with a value should set it, got %d %v", rec.Code, out)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/stop_server/toggle", `{"stop_server": "yes"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", rec.Code)
	}

	rec, out = doJSON(t, srv, http.MethodPost, "/stop_server/reset", "")
	if rec.Code != http.StatusOK || out["stop_server"] != false || out["mode"] != "auto" {
		t.Errorf("unexpected reset response %d %v", rec.Code, out)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec, out := doJSON(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("unexpected health response %d %v", rec.Code, out)
	}
}

func TestDebugMemory(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug_memory", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}

	srv, _, _ = newTestServer(t, "letmein")
	register(t, srv, "M1")

	req := httptest.NewRequest(http.MethodGet, "/debug_memory", nil)
	req.Header.Set(DebugTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/debug_memory", nil)
	req.Header.Set(DebugTokenHeader, "letmein")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records store.Records
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if records["M1"] == nil || records["M1"].Username != "alice" {
		t.Errorf("unexpected snapshot %s", rec.Body.String())
	}
}

func TestFlashCookie_TamperedValueIgnored(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: flashCookie, Value: "!!not-base64!!"})
	if got := popFlashes(httptest.NewRecorder(), req); got != nil {
		t.Errorf("expected no flashes, got %+v", got)
	}
}
