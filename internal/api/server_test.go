package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/circuit"
	internaldb "github.com/eargollo/cfss/internal/db"
	"github.com/eargollo/cfss/internal/guard"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/migrate"
	"github.com/eargollo/cfss/internal/store"
)

func row(length int, loc, serial string) circuit.Record {
	var r circuit.Record
	for _, f := range r.TextFields() {
		*f = circuit.NotAvailable
	}
	r.Length = length
	r.Ports[0].Location = loc
	r.Ports[0].Serial = serial
	return r
}

type testServer struct {
	url     string
	locks   *guard.Registry
	manager *importer.Manager
	dataDir string
}

func newTestServer(tb testing.TB) testServer {
	tb.Helper()
	root := tb.TempDir()
	db, err := internaldb.OpenMigrated(filepath.Join(root, "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })

	st := store.New(db)
	backups := backup.New(filepath.Join(root, "backups"), 0)
	engine := migrate.New(st, backups)
	if _, err := engine.Rebuild(context.Background(), migrate.Source{Circuit: "cs_eb"}, []circuit.Record{
		row(2, "NS1.10", "S10"),
		row(4, "NS1.02", "S02"),
		row(2, "NS1.05", "S05"),
	}); err != nil {
		tb.Fatalf("seed circuit: %v", err)
	}

	locks := guard.New()
	dataDir := filepath.Join(root, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		tb.Fatal(err)
	}
	mgr := importer.NewManager(importer.New(st, engine, locks, importer.Options{DataDir: dataDir}))

	srv := httptest.NewServer(NewRouter(Deps{
		Service:  app.New(st, locks),
		Imports:  mgr,
		Backups:  backups,
		Version:  "test",
		LockWait: 50 * time.Millisecond,
	}))
	tb.Cleanup(srv.Close)
	return testServer{url: srv.URL, locks: locks, manager: mgr, dataDir: dataDir}
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (ts testServer) do(tb testing.TB, method, path, body string, out interface{}) int {
	tb.Helper()
	req, err := http.NewRequest(method, ts.url+path, strings.NewReader(body))
	if err != nil {
		tb.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			tb.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type stateBody struct {
	Sequence string `json:"sequence"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Moved    bool   `json:"moved"`
	Stats    struct {
		Match    int `json:"match"`
		NonMatch int `json:"non_match"`
		Skipped  int `json:"skipped"`
		Scanned  int `json:"scanned"`
	} `json:"stats"`
	Entry *struct {
		Position int `json:"position"`
		Endpoint struct {
			Location string `json:"location"`
			Serial   string `json:"serial"`
		} `json:"endpoint"`
	} `json:"entry"`
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func TestCircuitEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var list struct {
		Items []struct {
			ID       string `json:"id"`
			RowCount int    `json:"row_count"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if code := ts.do(t, http.MethodGet, "/api/circuits", "", &list); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if list.Total != 1 || list.Items[0].ID != "cs_eb" || list.Items[0].RowCount != 3 {
		t.Errorf("list: got %+v", list)
	}

	var jumpers struct {
		Items []string `json:"items"`
	}
	ts.do(t, http.MethodGet, "/api/circuits/cs_eb/jumpers", "", &jumpers)
	if diff := cmp.Diff([]string{"cs_eb_jumper1", "cs_eb_jumper2"}, jumpers.Items); diff != "" {
		t.Errorf("jumpers (-want +got):\n%s", diff)
	}

	var e errorBody
	if code := ts.do(t, http.MethodGet, "/api/circuits/nope", "", &e); code != http.StatusNotFound || e.Error.Code != "NOT_FOUND" {
		t.Errorf("unknown circuit: %d %q", code, e.Error.Code)
	}
	if code := ts.do(t, http.MethodGet, "/api/circuits/cs_eb/rows/x", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad row id: %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/circuits/cs_eb/rows/2", "", nil); code != http.StatusOK {
		t.Errorf("row 2: %d", code)
	}
}

func TestScanFlow(t *testing.T) {
	ts := newTestServer(t)
	base := "/api/sequences/cs_eb_jumper1"

	var st stateBody
	if code := ts.do(t, http.MethodGet, base+"/progress", "", &st); code != http.StatusOK {
		t.Fatalf("progress: status %d", code)
	}
	if st.Total != 3 || st.Current != 0 || st.Entry == nil || st.Entry.Endpoint.Serial != "S02" {
		t.Fatalf("initial state: %+v", st)
	}

	var v struct {
		stateBody
		Expected string          `json:"expected"`
		Outcome  json.RawMessage `json:"outcome"`
	}
	if code := ts.do(t, http.MethodPost, base+"/verify", `{"serial":"s02"}`, &v); code != http.StatusOK {
		t.Fatalf("verify: status %d", code)
	}
	if string(v.Outcome) != "true" || v.Current != 1 || v.Expected != "S02" {
		t.Errorf("verify: outcome %s current %d expected %q", v.Outcome, v.Current, v.Expected)
	}

	ts.do(t, http.MethodPost, base+"/record", `{"result":"Missing","advance":true}`, &st)
	if st.Current != 2 || st.Stats.Skipped != 1 || st.Stats.Match != 1 {
		t.Errorf("record: %+v", st)
	}

	ts.do(t, http.MethodPost, base+"/seek", `{"index":0}`, &st)
	if st.Current != 0 || string(st.Result) != "true" {
		t.Errorf("seek: current %d result %s", st.Current, st.Result)
	}
	ts.do(t, http.MethodPost, base+"/search", `{"query":"NS1.10"}`, &st)
	if st.Current != 2 {
		t.Errorf("search: current %d", st.Current)
	}

	var e errorBody
	if code := ts.do(t, http.MethodPost, base+"/seek", `{"index":7}`, &e); code != http.StatusUnprocessableEntity {
		t.Errorf("seek out of range: %d", code)
	}
	if code := ts.do(t, http.MethodPost, base+"/search", `{"query":"zzz"}`, &e); code != http.StatusNotFound || e.Error.Code != "NO_MATCH" {
		t.Errorf("search miss: %d %q", code, e.Error.Code)
	}
	if code := ts.do(t, http.MethodPost, base+"/record", `{}`, nil); code != http.StatusBadRequest {
		t.Errorf("record without result: %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/sequences/bogus/progress", "", &e); code != http.StatusBadRequest {
		t.Errorf("bad sequence id: %d", code)
	}

	ts.do(t, http.MethodDelete, base+"/progress", "", &st)
	if st.Current != 0 || st.Stats.Scanned != 0 {
		t.Errorf("reset: %+v", st)
	}
	if code := ts.do(t, http.MethodDelete, "/api/progress", "", nil); code != http.StatusNoContent {
		t.Errorf("reset all: %d", code)
	}
}

func TestScanActionBusyDuringRebuild(t *testing.T) {
	ts := newTestServer(t)
	unlock, err := ts.locks.Lock(context.Background(), "cs_eb")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	var e errorBody
	code := ts.do(t, http.MethodPost, "/api/sequences/cs_eb_jumper1/advance", "", &e)
	if code != http.StatusServiceUnavailable || e.Error.Code != "CIRCUIT_BUSY" {
		t.Errorf("got %d %q, want 503 CIRCUIT_BUSY", code, e.Error.Code)
	}
}

func TestImportEndpoints(t *testing.T) {
	ts := newTestServer(t)
	src := "Length,A Location,Port 1 Location,Port 1 Jumper Serial\n3,A1,NS2.01,X1\n"
	if err := os.WriteFile(filepath.Join(ts.dataDir, "cs_new.csv"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := ts.do(t, http.MethodPost, "/api/imports", "", nil); code != http.StatusAccepted {
		t.Fatalf("start import: %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for ts.manager.Active() != nil {
		if time.Now().After(deadline) {
			t.Fatal("import did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var last struct {
		Files []struct {
			Circuit string `json:"circuit"`
		} `json:"files"`
	}
	if code := ts.do(t, http.MethodGet, "/api/imports/last", "", &last); code != http.StatusOK {
		t.Fatalf("last import: %d", code)
	}
	if len(last.Files) != 1 || last.Files[0].Circuit != "cs_new" {
		t.Errorf("last import files: %+v", last.Files)
	}
	if code := ts.do(t, http.MethodGet, "/api/circuits/cs_new", "", nil); code != http.StatusOK {
		t.Errorf("imported circuit: %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/imports/current", "", nil); code != http.StatusNotFound {
		t.Errorf("current when idle: %d", code)
	}
	if code := ts.do(t, http.MethodDelete, "/api/imports/current", "", nil); code != http.StatusNotFound {
		t.Errorf("cancel when idle: %d", code)
	}

	var status struct {
		Circuits int `json:"circuits"`
	}
	ts.do(t, http.MethodGet, "/api/status", "", &status)
	if status.Circuits != 2 {
		t.Errorf("status circuits: got %d, want 2", status.Circuits)
	}

	var events struct {
		Total int `json:"total"`
	}
	if code := ts.do(t, http.MethodGet, "/api/migrations?limit=10", "", &events); code != http.StatusOK {
		t.Errorf("migrations: %d", code)
	}

	var backups struct {
		Items []json.RawMessage `json:"items"`
	}
	if code := ts.do(t, http.MethodGet, "/api/backups", "", &backups); code != http.StatusOK || backups.Items == nil {
		t.Errorf("backups: %d %v", code, backups.Items)
	}
}
