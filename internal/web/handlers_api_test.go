package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/aprilaire/aprilairetest"
	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/setup"
	"aprilaire-go-home/internal/store"
)

var thermostatData = aprilaire.Data{
	aprilaire.AttrConnected:                                true,
	aprilaire.AttrReconnecting:                             false,
	aprilaire.AttrStopped:                                  false,
	aprilaire.AttrMACAddress:                               "1:2:3:4:5:6",
	aprilaire.AttrName:                                     "Hallway",
	aprilaire.AttrModelNumber:                              1,
	aprilaire.AttrThermostatModes:                          6,
	aprilaire.AttrMode:                                     2,
	aprilaire.AttrIndoorTemperatureControllingSensorStatus: 0,
	aprilaire.AttrIndoorTemperatureControllingSensorValue:  21.5,
}

type testEnv struct {
	srv   *Server
	store *store.BoltStore
	hub   *hub.Hub

	mu       sync.Mutex
	backends map[string]*aprilairetest.Backend
}

func (e *testEnv) backend(host string) *aprilairetest.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backends[host]
}

// newClient answers the config flow probe and, except for host "silent",
// reports thermostatData once the MAC address is read.
func (e *testEnv) newClient(host string, _ int) aprilaire.Backend {
	b := aprilairetest.New()
	if host != "silent" {
		b.Respond(aprilaire.DomainIdentification, 2, aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})
		b.OnCall = func(c aprilairetest.Call) {
			if c.Name == "ReadMACAddress" {
				b.Push(thermostatData)
			}
		}
	}
	e.mu.Lock()
	e.backends[host] = b
	e.mu.Unlock()
	return b
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{store: db, backends: map[string]*aprilairetest.Backend{}}
	events := coordinator.NewEventBus(logger)
	env.hub = hub.New(db, env.newClient, events, services.Default(), logger)
	t.Cleanup(env.hub.Shutdown)

	flow := setup.NewFlow(db, env.newClient, logger, setup.WithTimeout(time.Second))
	env.srv = NewServer(env.hub, flow, db, logger, opts...)
	t.Cleanup(env.srv.Stop)
	return env
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

// createEntry runs the config flow for host and waits until the entry is loaded.
func (e *testEnv) createEntry(t *testing.T, host string) string {
	t.Helper()
	w := e.do("POST", "/api/entries", `{"host":"`+host+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create entry: status = %d, body = %s", w.Code, w.Body.String())
	}
	var res setup.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	id := res.Entry.ID

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := e.hub.Status(id); err == nil && st.State == hub.StateLoaded {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry %s never loaded", id)
	return ""
}

func TestAPIHealth(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))
	w := env.do("GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" || body["entries"] != float64(0) {
		t.Errorf("health = %v", body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		path string
		key  string
		want int
	}{
		{"/api/entries", "", http.StatusUnauthorized},
		{"/api/entries", "wrong", http.StatusUnauthorized},
		{"/api/entries", "secret", http.StatusOK},
		{"/api/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		var w *httptest.ResponseRecorder
		if tt.key != "" {
			w = env.do("GET", tt.path, "", "X-API-Key", tt.key)
		} else {
			w = env.do("GET", tt.path, "")
		}
		if w.Code != tt.want {
			t.Errorf("GET %s key=%q: status = %d, want %d", tt.path, tt.key, w.Code, tt.want)
		}
	}
}

func TestAPICORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://ha.local"}))

	w := env.do("OPTIONS", "/api/entries", "", "Origin", "http://ha.local")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ha.local" {
		t.Errorf("allowed preflight: status = %d, headers = %v", w.Code, w.Header())
	}
	if w := env.do("OPTIONS", "/api/entries", "", "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight: status = %d", w.Code)
	}
	if w := env.do("POST", "/api/entries", "", "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("foreign POST: status = %d", w.Code)
	}
}

func TestAPICreateEntryForm(t *testing.T) {
	env := setupTestServer(t)
	w := env.do("POST", "/api/entries", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res setup.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Type != setup.ResultForm || res.StepID != setup.StepUser {
		t.Errorf("result = %+v", res)
	}

	if w := env.do("POST", "/api/entries", "{bad"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", w.Code)
	}
}

func TestAPICreateEntryConnectionFailedOutlastsWriteTimeout(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewUnstartedServer(env.srv)
	// Shorter than the flow's one second reachability timeout.
	ts.Config.WriteTimeout = 300 * time.Millisecond
	ts.Start()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/entries", "application/json", strings.NewReader(`{"host":"silent"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res setup.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Type != setup.ResultForm || res.Errors["base"] != setup.ErrorConnectionFailed {
		t.Errorf("result = %+v", res)
	}
}

func TestAPIEntryLifecycle(t *testing.T) {
	env := setupTestServer(t)
	id := env.createEntry(t, "10.0.0.5")

	w := env.do("GET", "/api/entries", "")
	var entries []hub.Status
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Entry.ID != id || !entries[0].Available {
		t.Errorf("entries = %+v", entries)
	}

	w = env.do("GET", "/api/entries/"+id+"/entities", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"key":"thermostat"`) {
		t.Errorf("entities: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do("GET", "/api/entries/"+id+"/data", "")
	var data map[string]any
	if err := json.NewDecoder(w.Body).Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data[aprilaire.AttrMACAddress] != "1:2:3:4:5:6" {
		t.Errorf("data = %v", data)
	}

	w = env.do("GET", "/api/entries/"+id+"/device", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"mac":"1:2:3:4:5:6"`) {
		t.Errorf("device: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Same address again aborts.
	w = env.do("POST", "/api/entries", `{"host":"10.0.0.5","port":7000}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), setup.AbortAlreadyConfigured) {
		t.Errorf("duplicate: status = %d, body = %s", w.Code, w.Body.String())
	}

	if w := env.do("DELETE", "/api/entries/"+id, ""); w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if env.backend("10.0.0.5").Started() {
		t.Error("client running after delete")
	}
	for _, path := range []string{"/api/entries/" + id, "/api/entries/" + id + "/device"} {
		if w := env.do("GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s after delete: status = %d", path, w.Code)
		}
	}
	if w := env.do("DELETE", "/api/entries/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", w.Code)
	}
}

func TestAPIEntitiesNotReady(t *testing.T) {
	env := setupTestServer(t)
	e := &store.Entry{ID: "slow", Host: "silent", Port: 7000, CreatedAt: time.Now()}
	if err := env.store.SaveEntry(e); err != nil {
		t.Fatal(err)
	}
	if err := env.hub.Setup(e); err != nil {
		t.Fatal(err)
	}
	if w := env.do("GET", "/api/entries/slow/entities", ""); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if w := env.do("GET", "/api/entries/nope/entities", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown entry: status = %d", w.Code)
	}
}

func TestAPICallService(t *testing.T) {
	env := setupTestServer(t)
	id := env.createEntry(t, "10.0.0.5")
	b := env.backend("10.0.0.5")

	tests := []struct {
		name    string
		service string
		body    string
		want    int
	}{
		{"ok", "set_hvac_mode", `{"hvac_mode":"cool"}`, http.StatusOK},
		{"invalid option", "set_hvac_mode", `{"hvac_mode":"dry"}`, http.StatusBadRequest},
		{"missing field", "set_dehumidity", `{}`, http.StatusBadRequest},
		{"unsupported", "set_dehumidity", `{"dehumidity":40}`, http.StatusBadRequest},
		{"unknown service", "make_coffee", ``, http.StatusNotFound},
		{"bad json", "set_hvac_mode", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/entries/"+id+"/services/"+tt.service, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	found := false
	for _, c := range b.Calls() {
		if c.Name == "UpdateMode" && c.Args[0] == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("calls = %v, want UpdateMode(3)", b.Names())
	}

	if w := env.do("POST", "/api/entries/nope/services/set_hvac_mode", `{"hvac_mode":"cool"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown entry: status = %d", w.Code)
	}
}

func TestAPIListServices(t *testing.T) {
	env := setupTestServer(t)
	w := env.do("GET", "/api/services", "")
	var list []services.Service
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, s := range list {
		names[s.Service] = true
	}
	for _, want := range []string{"set_temperature", "set_dehumidity", "trigger_fresh_air_event"} {
		if !names[want] {
			t.Errorf("missing service %s", want)
		}
	}
}

type fakeAutomation struct {
	reloads int
	err     error
}

func (f *fakeAutomation) Scripts() []string { return []string{"night.lua"} }
func (f *fakeAutomation) Reload() error {
	f.reloads++
	return f.err
}

func TestAPIAutomations(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do("GET", "/api/automations", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("without engine: status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := env.do("POST", "/api/automations/reload", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("reload without engine: status = %d", w.Code)
	}

	auto := &fakeAutomation{}
	env = setupTestServer(t, WithAutomation(auto))
	if w := env.do("GET", "/api/automations", ""); !strings.Contains(w.Body.String(), "night.lua") {
		t.Errorf("scripts = %s", w.Body.String())
	}
	if w := env.do("POST", "/api/automations/reload", ""); w.Code != http.StatusOK || auto.reloads != 1 {
		t.Errorf("reload: status = %d, reloads = %d", w.Code, auto.reloads)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do("GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: status = %d", w.Code)
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.Copy(w, bytes.NewBufferString("aprilaire_up 1\n"))
	})
	env = setupTestServer(t, WithMetrics(h), WithAPIKey("secret"))
	w := env.do("GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "aprilaire_up") {
		t.Errorf("metrics: status = %d, body = %s", w.Code, w.Body.String())
	}
}
