package setup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/aprilaire/aprilairetest"
	"aprilaire-go-home/internal/mockserver"
	"aprilaire-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeFactory hands out fake backends and remembers the addresses asked for.
type fakeFactory struct {
	respond bool
	dialed  []string
	last    *aprilairetest.Backend
}

func (f *fakeFactory) newClient(host string, port int) aprilaire.Backend {
	f.dialed = append(f.dialed, net.JoinHostPort(host, strconv.Itoa(port)))
	b := aprilairetest.New()
	if f.respond {
		b.Respond(aprilaire.DomainIdentification, 2, aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})
	}
	f.last = b
	return b
}

func TestUniqueID(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"192.168.1.51", 7000, "aprilaire_192168151" + "7000"},
		{"thermostat.lan", 8000, "aprilaire_thermostatlan8000"},
	}
	for _, tt := range tests {
		if got := UniqueID(tt.host, tt.port); got != tt.want {
			t.Errorf("UniqueID(%s, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestStepUserShowsForm(t *testing.T) {
	f := NewFlow(newTestStore(t), (&fakeFactory{}).newClient, testLogger())

	res, err := f.StepUser(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultForm || res.StepID != StepUser || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Schema) != 2 || res.Schema[1].Default != aprilaire.DefaultPort {
		t.Errorf("schema = %+v", res.Schema)
	}
}

func TestStepUserCreatesEntry(t *testing.T) {
	st := newTestStore(t)
	ff := &fakeFactory{respond: true}
	f := NewFlow(st, ff.newClient, testLogger())

	res, err := f.StepUser(context.Background(), &Input{Host: " 10.0.0.5 "})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultCreateEntry || res.Title != DefaultTitle {
		t.Fatalf("result = %+v", res)
	}
	if len(ff.dialed) != 1 || ff.dialed[0] != "10.0.0.5:7000" {
		t.Errorf("dialed = %v, want default port", ff.dialed)
	}
	if ff.last.Started() {
		t.Error("probe client left running")
	}

	entries, err := st.ListEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ID == "" || e.ID != res.Entry.ID {
		t.Errorf("entry id = %q, result id = %q", e.ID, res.Entry.ID)
	}
	if e.UniqueID != "aprilaire_100057000" || e.Host != "10.0.0.5" || e.Port != 7000 {
		t.Errorf("entry = %+v", e)
	}
}

func TestStepUserAbortsDuplicate(t *testing.T) {
	st := newTestStore(t)
	ff := &fakeFactory{respond: true}
	f := NewFlow(st, ff.newClient, testLogger())
	ctx := context.Background()

	if _, err := f.StepUser(ctx, &Input{Host: "10.0.0.5", Port: 7000}); err != nil {
		t.Fatal(err)
	}
	res, err := f.StepUser(ctx, &Input{Host: "10.0.0.5", Port: 7000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultAbort || res.Reason != AbortAlreadyConfigured {
		t.Fatalf("result = %+v", res)
	}
	if len(ff.dialed) != 1 {
		t.Errorf("duplicate was probed: %v", ff.dialed)
	}

	res, _ = f.StepUser(ctx, &Input{Host: "10.0.0.5", Port: 7001})
	if res.Type != ResultCreateEntry {
		t.Errorf("different port: result = %+v", res)
	}
}

func TestStepUserConnectionFailed(t *testing.T) {
	st := newTestStore(t)
	f := NewFlow(st, (&fakeFactory{}).newClient, testLogger(), WithTimeout(50*time.Millisecond))

	res, err := f.StepUser(context.Background(), &Input{Host: "10.0.0.9", Port: 7000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultForm || res.Errors["base"] != ErrorConnectionFailed {
		t.Fatalf("result = %+v", res)
	}
	entries, _ := st.ListEntries()
	if len(entries) != 0 {
		t.Errorf("entry stored after failed check: %+v", entries)
	}
}

func TestStepUserCancelled(t *testing.T) {
	f := NewFlow(newTestStore(t), (&fakeFactory{}).newClient, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.StepUser(ctx, &Input{Host: "10.0.0.9"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStepUserValidatesInput(t *testing.T) {
	f := NewFlow(newTestStore(t), (&fakeFactory{respond: true}).newClient, testLogger())
	tests := []struct {
		in    Input
		field string
		want  string
	}{
		{Input{Host: "  "}, "host", ErrorRequired},
		{Input{Host: "h", Port: 70000}, "port", ErrorInvalidPort},
		{Input{Host: "h", Port: -1}, "port", ErrorInvalidPort},
	}
	for _, tt := range tests {
		res, err := f.StepUser(context.Background(), &tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if res.Type != ResultForm || res.Errors[tt.field] != tt.want {
			t.Errorf("%+v: result = %+v", tt.in, res)
		}
	}
}

func TestRemove(t *testing.T) {
	st := newTestStore(t)
	f := NewFlow(st, (&fakeFactory{respond: true}).newClient, testLogger())

	res, err := f.StepUser(context.Background(), &Input{Host: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Remove(res.Entry.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.Remove(res.Entry.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second remove: err = %v", err)
	}
}

func TestStepUserAgainstMockThermostat(t *testing.T) {
	srv := mockserver.New(mockserver.Config{
		COSInterval:   time.Hour,
		QueueInterval: time.Millisecond,
		InitialDelay:  time.Hour,
	}, testLogger())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, _ := strconv.Atoi(portStr)
	factory := func(host string, port int) aprilaire.Backend {
		return aprilaire.NewClient(host, port,
			aprilaire.WithLogger(testLogger()),
			aprilaire.WithCommandInterval(time.Millisecond),
		)
	}
	f := NewFlow(newTestStore(t), factory, testLogger(), WithTimeout(5*time.Second))

	res, err := f.StepUser(context.Background(), &Input{Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != ResultCreateEntry {
		t.Fatalf("result = %+v", res)
	}
}
