package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/database"
	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/query"
	"github.com/openfitlab/fitstore/internal/summary"
)

var databaseSequence atomic.Int64

func newTestServer(t *testing.T) (*httptest.Server, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := database.OpenDSN(dsn, "garmin", nil)
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	service, err := query.NewService(query.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Services: map[domain.Source]*query.Service{domain.SourceGarmin: service},
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, db
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d", wantStatus, response.StatusCode)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	var body map[string]string
	getJSON(t, server.URL+"/healthz", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestSourcesEndpointListsConfiguredSources(t *testing.T) {
	server, _ := newTestServer(t)
	var body struct {
		Sources []string `json:"sources"`
	}
	getJSON(t, server.URL+"/sources", http.StatusOK, &body)
	if len(body.Sources) != 1 || body.Sources[0] != "garmin" {
		t.Fatalf("unexpected sources: %v", body.Sources)
	}
}

func TestUnknownSourceReturnsNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	getJSON(t, server.URL+"/sources/polar/activities", http.StatusNotFound, nil)
	// Known source without a configured service is also absent.
	getJSON(t, server.URL+"/sources/fitbit/activities", http.StatusNotFound, nil)
}

func TestActivitiesEndpointFiltersByRange(t *testing.T) {
	server, db := newTestServer(t)
	early := time.Date(2023, 6, 10, 7, 0, 0, 0, time.UTC)
	late := time.Date(2023, 6, 12, 7, 0, 0, 0, time.UTC)
	rows := []domain.Activity{
		{Source: "garmin", ExternalID: "a-early", StartTime: early, DurationSeconds: 1800, Sport: "running"},
		{Source: "garmin", ExternalID: "a-late", StartTime: late, DurationSeconds: 3600, Sport: "cycling"},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	var body struct {
		Activities []domain.Activity `json:"activities"`
	}
	getJSON(t, server.URL+"/sources/garmin/activities?from=2023-06-11T00:00:00Z", http.StatusOK, &body)
	if len(body.Activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(body.Activities))
	}
	if body.Activities[0].ExternalID != "a-late" {
		t.Fatalf("unexpected activity %q", body.Activities[0].ExternalID)
	}
}

func TestActivityEndpointByExternalID(t *testing.T) {
	server, db := newTestServer(t)
	start := time.Date(2023, 6, 10, 7, 0, 0, 0, time.UTC)
	row := domain.Activity{Source: "garmin", ExternalID: "morning-run", StartTime: start, DurationSeconds: 1800, Sport: "running"}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	var activity domain.Activity
	getJSON(t, server.URL+"/sources/garmin/activities/morning-run", http.StatusOK, &activity)
	if activity.Sport != "running" {
		t.Fatalf("unexpected activity %+v", activity)
	}

	getJSON(t, server.URL+"/sources/garmin/activities/absent", http.StatusNotFound, nil)
}

func TestMalformedRangeReturnsBadRequest(t *testing.T) {
	server, _ := newTestServer(t)
	getJSON(t, server.URL+"/sources/garmin/monitoring?from=yesterday", http.StatusBadRequest, nil)
}

func TestSummaryEndpointValidatesPeriod(t *testing.T) {
	server, db := newTestServer(t)
	day := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)
	row := summary.Record{Period: "day", PeriodStart: day, Source: "garmin", Steps: 4000}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	var body struct {
		Summaries []summary.Record `json:"summaries"`
	}
	getJSON(t, server.URL+"/sources/garmin/summary/day", http.StatusOK, &body)
	if len(body.Summaries) != 1 || body.Summaries[0].Steps != 4000 {
		t.Fatalf("unexpected summaries: %+v", body.Summaries)
	}

	getJSON(t, server.URL+"/sources/garmin/summary/fortnight", http.StatusBadRequest, nil)
}

func TestMarksEndpoint(t *testing.T) {
	server, db := newTestServer(t)
	now := time.Date(2023, 6, 12, 12, 0, 0, 0, time.UTC)
	row := domain.HighWaterMark{Source: "garmin", Category: "monitoring", Timestamp: now, UpdatedAt: now}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	var body struct {
		Marks []domain.HighWaterMark `json:"marks"`
	}
	getJSON(t, server.URL+"/sources/garmin/marks", http.StatusOK, &body)
	if len(body.Marks) != 1 || body.Marks[0].Category != "monitoring" {
		t.Fatalf("unexpected marks: %+v", body.Marks)
	}
}
