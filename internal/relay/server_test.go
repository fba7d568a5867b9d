package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

const audioPayload = "ID3-not-really-mp3-but-bytes"

func testConfig() Config {
	return Config{
		Listen:         "127.0.0.1:0",
		PointerTimeout: 2 * time.Second,
		Retry: backoff.Config{
			MinBackoff: time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
			MaxRetries: 3,
		},
	}
}

// upstream serves a pointer at /kjfk_twr.pls and the stream at /kjfk_twr.
type upstream struct {
	*httptest.Server
	streamHits atomic.Int32
	failFirst  int32
	streamType string
	pointer    func(base string) (contentType, body string)
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{streamType: "audio/mpeg"}
	u.pointer = func(base string) (string, string) {
		return "audio/x-scpls", fmt.Sprintf("[playlist]\nNumberOfEntries=1\nFile1=%s/kjfk_twr\nTitle1=KJFK Tower\n", base)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/kjfk_twr.pls", func(w http.ResponseWriter, _ *http.Request) {
		ct, body := u.pointer(u.URL)
		w.Header().Set("Content-Type", ct)
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/kjfk_twr", func(w http.ResponseWriter, r *http.Request) {
		n := u.streamHits.Add(1)
		if n <= u.failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("Icy-MetaData") == "1" {
			w.Header().Set("icy-metaint", "16000")
		}
		w.Header().Set("Content-Type", u.streamType)
		_, _ = io.WriteString(w, audioPayload)
	})
	mux.HandleFunc("/missing.pls", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(testConfig(), prometheus.NewRegistry()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func audioURL(relay *httptest.Server, pointer string) string {
	return relay.URL + "/api/audio?url=" + url.QueryEscape(pointer)
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRelayMissingURL(t *testing.T) {
	relay := newRelay(t)

	resp, err := http.Get(relay.URL + "/api/audio")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := decodeError(t, resp); got != msgMissingURL {
		t.Errorf("error = %q, want %q", got, msgMissingURL)
	}
}

func TestRelayPointerStatusPassedThrough(t *testing.T) {
	up := newUpstream(t)
	relay := newRelay(t)

	resp, err := http.Get(audioURL(relay, up.URL+"/missing.pls"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if got := decodeError(t, resp); got != "Failed to fetch PLS file: Not Found" {
		t.Errorf("error = %q", got)
	}
}

func TestRelayInvalidPlaylist(t *testing.T) {
	up := newUpstream(t)
	up.pointer = func(string) (string, string) {
		return "audio/x-scpls", "[playlist]\nNumberOfEntries=0\n"
	}
	relay := newRelay(t)

	resp, err := http.Get(audioURL(relay, up.URL+"/kjfk_twr.pls"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := decodeError(t, resp); got != msgInvalidPLS {
		t.Errorf("error = %q, want %q", got, msgInvalidPLS)
	}
}

func TestRelayStreamsPLS(t *testing.T) {
	up := newUpstream(t)
	relay := newRelay(t)

	req, _ := http.NewRequest(http.MethodGet, audioURL(relay, up.URL+"/kjfk_twr.pls")+"&t=1700000000000", nil)
	req.Header.Set("Icy-MetaData", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	headers := map[string]string{
		"Content-Type":  "audio/mpeg",
		"Cache-Control": "no-cache, no-store, must-revalidate",
		"icy-metaint":   "16000",
	}
	for k, want := range headers {
		if got := resp.Header.Get(k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != audioPayload {
		t.Errorf("body = %q, want %q", body, audioPayload)
	}
}

func TestRelayPointerVariants(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		pointer func(base string) (string, string)
	}{
		{
			name: "m3u",
			path: "/kjfk_twr.pls",
			pointer: func(base string) (string, string) {
				return "audio/x-mpegurl", "#EXTM3U\n#EXTINF:-1,KJFK Tower\n" + base + "/kjfk_twr\n"
			},
		},
		{
			name: "direct stream",
			path: "/kjfk_twr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t)
			if tt.pointer != nil {
				up.pointer = tt.pointer
			}
			relay := newRelay(t)

			resp, err := http.Get(audioURL(relay, up.URL+tt.path))
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != audioPayload {
				t.Errorf("body = %q, want %q", body, audioPayload)
			}
		})
	}
}

func TestRelayRetriesUpstream(t *testing.T) {
	up := newUpstream(t)
	up.failFirst = 2
	relay := newRelay(t)

	resp, err := http.Get(audioURL(relay, up.URL+"/kjfk_twr.pls"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries", resp.StatusCode)
	}
	if got := up.streamHits.Load(); got != 3 {
		t.Errorf("stream attempts = %d, want 3", got)
	}
}

func TestRelayGivesUpAfterRetries(t *testing.T) {
	up := newUpstream(t)
	up.streamType = "text/html"
	relay := newRelay(t)

	resp, err := http.Get(audioURL(relay, up.URL+"/kjfk_twr.pls"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if got := decodeError(t, resp); got != msgRetriesFailed {
		t.Errorf("error = %q, want %q", got, msgRetriesFailed)
	}
	if got := up.streamHits.Load(); got != 3 {
		t.Errorf("stream attempts = %d, want 3", got)
	}
}

func TestRelayHealthAndMetrics(t *testing.T) {
	relay := newRelay(t)

	for path, want := range map[string]int{"/healthz": 200, "/metrics": 200, "/nope": 404} {
		resp, err := http.Get(relay.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestServerService(t *testing.T) {
	up := newUpstream(t)
	s := New(testConfig(), prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := services.StartAndAwaitRunning(ctx, s); err != nil {
		t.Fatalf("StartAndAwaitRunning() error = %v", err)
	}

	if strings.HasSuffix(s.Addr(), ":0") {
		t.Fatalf("Addr() = %q, want the bound port", s.Addr())
	}

	resp, err := http.Get(s.StreamURL(up.URL + "/kjfk_twr.pls"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != audioPayload {
		t.Errorf("body = %q, want %q", body, audioPayload)
	}

	if err := services.StopAndAwaitTerminated(ctx, s); err != nil {
		t.Fatalf("StopAndAwaitTerminated() error = %v", err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/healthz"); err == nil {
		t.Error("relay still serving after stop")
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("127.0.0.1:8417", "http://www.liveatc.net/play/kjfk_twr.pls?a=1")
	want := "http://127.0.0.1:8417/api/audio?url=http%3A%2F%2Fwww.liveatc.net%2Fplay%2Fkjfk_twr.pls%3Fa%3D1"
	if got != want {
		t.Errorf("StreamURL() = %q, want %q", got, want)
	}
}
