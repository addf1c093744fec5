package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/engine"
	"github.com/audiolibrelab/screenrec/internal/metrics"
	"github.com/audiolibrelab/screenrec/internal/platform/fake"
	"github.com/audiolibrelab/screenrec/internal/service"
)

func newTestServer(t *testing.T) (*httptest.Server, chan engine.Event) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Muxer.PartDurationMs = 100

	events := make(chan engine.Event, 64)
	m := metrics.New()
	svc := service.New(cfg, "", fake.New(), service.Options{
		Metrics:   m,
		FreeSpace: func(string) (uint64, error) { return 10 << 30, nil },
		OnEvent:   func(ev engine.Event) { events <- ev },
	})
	ts := httptest.NewServer(New(svc, m.Handler(), ":0").Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return ts, events
}

func waitFor(t *testing.T, events chan engine.Event, want engine.EventType) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %v", want)
		}
	}
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	ts, events := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/start", url.Values{"mode": {"mic"}, "resolution": {"1080p"}})
	if err != nil {
		t.Fatal(err)
	}
	var started map[string]interface{}
	decode(t, resp, &started)
	if resp.StatusCode != http.StatusOK || started["success"] != true {
		t.Fatalf("Start failed: %d %v", resp.StatusCode, started)
	}
	if path, _ := started["path"].(string); !strings.HasSuffix(path, "_1920x1080.mp4") {
		t.Errorf("Unexpected path %v", started["path"])
	}
	waitFor(t, events, engine.EventStartRecord)

	resp, _ = http.Get(ts.URL + "/status")
	var st service.Status
	decode(t, resp, &st)
	if st.State != "recording" || st.Mode != "MIC" {
		t.Errorf("Unexpected status %+v", st)
	}

	for _, op := range []string{"/pause", "/resume"} {
		resp, err := http.Post(ts.URL+op, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s returned %d", op, resp.StatusCode)
		}
	}
	time.Sleep(200 * time.Millisecond)

	resp, _ = http.Post(ts.URL+"/stop", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Stop returned %d", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/recordings")
	var list RecordingsResponse
	decode(t, resp, &list)
	if list.TotalCount != 1 {
		t.Fatalf("Expected one recording, got %+v", list)
	}

	resp, _ = http.Get(ts.URL + "/recordings/" + list.Recordings[0].Name)
	var analysis service.RecordingAnalysis
	decode(t, resp, &analysis)
	if len(analysis.Tracks) != 2 {
		t.Errorf("Expected video and audio tracks, got %+v", analysis)
	}

	resp, _ = http.Get(ts.URL + "/metrics")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `screenrec_sessions_total{outcome="completed"} 1`) {
		t.Errorf("Metrics missing the completed session:\n%s", body)
	}

	resp, _ = http.Post(ts.URL+"/delete-last", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Delete returned %d", resp.StatusCode)
	}
	resp, _ = http.Post(ts.URL+"/delete-last", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestInvalidRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		form   url.Values
		want   int
	}{
		{"pause while idle", http.MethodPost, "/pause", nil, http.StatusConflict},
		{"stop while idle", http.MethodPost, "/stop", nil, http.StatusConflict},
		{"get on start", http.MethodGet, "/start", nil, http.StatusMethodNotAllowed},
		{"bad mode", http.MethodPost, "/start", url.Values{"mode": {"stereo"}}, http.StatusBadRequest},
		{"dotted name", http.MethodGet, "/recordings/a..b.mp4", nil, http.StatusBadRequest},
		{"missing recording", http.MethodGet, "/recordings/nope.mp4", nil, http.StatusNotFound},
		{"profile without name", http.MethodPost, "/config/profile", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			var body map[string]interface{}
			decode(t, resp, &body)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d (%v)", tt.want, resp.StatusCode, body)
			}
			if body["success"] != false {
				t.Errorf("Expected success=false, got %v", body)
			}
		})
	}
}

func TestCodecs(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/codecs")
	if err != nil {
		t.Fatal(err)
	}
	var codecs CodecsResponse
	decode(t, resp, &codecs)
	if len(codecs.Video) != 1 || !codecs.Video[0].Hardware || codecs.Video[0].MaxWidth != 3840 {
		t.Errorf("Unexpected video codecs %+v", codecs.Video)
	}
	if len(codecs.Audio) != 1 || len(codecs.Audio[0].SampleRates) != 2 {
		t.Errorf("Unexpected audio codecs %+v", codecs.Audio)
	}
}
