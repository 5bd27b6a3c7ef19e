package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hylla/crc/internal/domain"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.DropIngested(false)
	r.DropIngested(false)
	r.DropIngested(true)
	r.DropTransitioned(domain.StateIngested, domain.StateAnalyzed)
	r.LaneCompleted(domain.LaneFeature, true, 250*time.Millisecond)
	r.LaneCompleted(domain.LaneFeature, false, time.Second)
	r.MergeResolved(domain.ResolutionManualRequired)
	r.DropSealed(1000, 300)

	body := scrape(t, r)
	for _, want := range []string{
		"crc_drops_ingested_total 2",
		"crc_drops_duplicate_total 1",
		`crc_drop_transitions_total{to="analyzed"} 1`,
		`crc_lane_results_total{lane="feature",outcome="failed"} 1`,
		`crc_lane_duration_seconds_count{lane="feature"} 2`,
		`crc_merge_decisions_total{resolution="manual_required"} 1`,
		"crc_drops_sealed_total 1",
		`crc_archive_bytes_total{kind="compressed"} 300`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metric %q missing from scrape:\n%s", want, body)
		}
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.DropIngested(false)
	if body := scrape(t, b); strings.Contains(body, "crc_drops_ingested_total 1") {
		t.Fatal("recorders must not share a registry")
	}
}
