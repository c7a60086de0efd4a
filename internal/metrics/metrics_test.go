package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	RecordCheck("available")
	RecordNotification("update")
	RecordClick("")
	RecordEvent("push", "ok")
	SetPending(3)
	RecordDelivery("failed")
	RecordManifestFetch()
	SetPhase("IDLE", []string{"IDLE", "CHECKING"})

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`progress_agent_update_checks_total{result="available"}`,
		`progress_agent_notifications_clicks_total{action="default"}`,
		`progress_agent_delivery_pending 3`,
		`progress_agent_update_phase{phase="CHECKING"} 0`,
		`progress_agent_update_phase{phase="IDLE"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
