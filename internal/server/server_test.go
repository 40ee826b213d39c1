package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/internal/render"
	"github.com/amalloy/turntable/internal/schedule"
	"github.com/amalloy/turntable/pkg/logx"
)

func newTestServer(t *testing.T, opt Options) (*httptest.Server, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()

	dbs := db.NewRegistry(map[string]db.Options{
		"d1": {Driver: "sqlite", DSN: filepath.Join(dir, "d1.db")},
	}, logx.Nop())
	t.Cleanup(func() { _ = dbs.Close() })

	sched := schedule.New(schedule.Config{DefaultPeriod: period.MustParse("@every 1h")}, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	reg := registry.New(registry.Options{SnapshotPath: filepath.Join(dir, "registry.json")}, dbs, sched, logx.Nop())
	t.Cleanup(reg.Close)

	srv := New(context.Background(), reg, render.New(reg, dbs, logx.Nop()), dbs, opt, logx.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestAddGetRemoveLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/add", `{"name":"q1","db":"d1","query":"SELECT 1 AS v","period":"@every 1h"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	def := decodeBody[query.Definition](t, resp)
	if def.Name != "q1" || def.Period.String() != "@every 1h" || def.Added.IsZero() {
		t.Fatalf("unexpected definition: %+v", def)
	}

	// Same name again conflicts.
	resp = postJSON(t, ts.URL+"/add", `{"name":"q1","db":"d1","query":"SELECT 2 AS v"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/get?name=q1")
	if err != nil {
		t.Fatalf("GET /get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decodeBody[getResponse](t, resp)
	if got.Query.SQL != "SELECT 1 AS v" {
		t.Fatalf("get returned wrong definition: %+v", got.Query)
	}

	resp = postJSON(t, ts.URL+"/remove", `{"name":"q1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/remove", `{"name":"q1"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove status = %d", resp.StatusCode)
	}
}

func TestAddRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "unknown db", body: `{"name":"q1","db":"nope","query":"SELECT 1"}`, want: http.StatusBadRequest},
		{name: "bad period", body: `{"name":"q1","db":"d1","query":"SELECT 1","period":"every minute"}`, want: http.StatusBadRequest},
		{name: "missing name", body: `{"db":"d1","query":"SELECT 1"}`, want: http.StatusBadRequest},
		{name: "not json", body: `nope`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/add", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestQueriesListsDefinitionsAndDatabases(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	postJSON(t, ts.URL+"/add", `{"name":"b","db":"d1","query":"SELECT 1 AS v"}`)
	postJSON(t, ts.URL+"/add", `{"name":"a","db":"d1","query":"SELECT 2 AS v"}`)

	resp, err := http.Get(ts.URL + "/queries")
	if err != nil {
		t.Fatalf("GET /queries: %v", err)
	}
	defer resp.Body.Close()
	list := decodeBody[queriesResponse](t, resp)
	if len(list.Queries) != 2 || list.Queries[0].Name != "a" || list.Queries[1].Name != "b" {
		t.Fatalf("queries not sorted by name: %+v", list.Queries)
	}
	if len(list.Databases) != 1 || list.Databases[0] != "d1" {
		t.Fatalf("databases = %v", list.Databases)
	}
}

func TestRenderNotFoundWhenNoDatapoints(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	postJSON(t, ts.URL+"/add", `{"name":"q1","db":"d1","query":"SELECT 1 AS v"}`)

	// Registered but never executed: no archive table, no datapoints.
	resp, err := http.Get(ts.URL + "/render?target=q1.v")
	if err != nil {
		t.Fatalf("GET /render: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("render status = %d, want 404", resp.StatusCode)
	}

	// No targets at all is a different failure: bad request.
	resp2, err := http.Get(ts.URL + "/render")
	if err != nil {
		t.Fatalf("GET /render: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("render status = %d, want 400", resp2.StatusCode)
	}
}

func TestStageReturnsDumpAndErrors(t *testing.T) {
	ts, _ := newTestServer(t, Options{StageRatePerSec: 100})

	resp, err := http.Get(ts.URL + "/stage?db=d1&query=" + "SELECT%201%20AS%20v")
	if err != nil {
		t.Fatalf("GET /stage: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stage status = %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "v") || !strings.Contains(text, "1 row(s)") {
		t.Fatalf("unexpected dump: %q", text)
	}

	// SQL errors come back in the response body, not a schedule log.
	resp2, err := http.Get(ts.URL + "/stage?db=d1&query=" + "SELEC%20nope")
	if err != nil {
		t.Fatalf("GET /stage: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("stage error status = %d", resp2.StatusCode)
	}
}

func TestStageRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Options{StageRatePerSec: 1})

	// Burst of 1: the second immediate request must be throttled.
	saw429 := false
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/stage?db=d1&query=SELECT%201")
		if err != nil {
			t.Fatalf("GET /stage: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			saw429 = true
		}
	}
	if !saw429 {
		t.Fatal("expected at least one throttled stage request")
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}
