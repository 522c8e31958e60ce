package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"studytrack/internal/config"
)

var testNow = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "studytrack.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newTestApp(t *testing.T, body string, opts ...Option) *App {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DB", filepath.ToSlash(filepath.Join(dir, "study.db")))
	cfgm := config.NewManager(writeConfig(t, dir, body))
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithNotifier(func(string) error { return nil }),
	}, opts...)
	a, err := New(context.Background(), cfgm, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

const quietConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "$DB"},
  "sweep": {"enabled": false}
}`

func TestNewWiresOperations(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig)
	defer a.Close(context.Background())
	ctx := context.Background()

	if created, err := a.Store().Enroll(ctx, "P1"); err != nil || !created {
		t.Fatalf("Enroll() = %v, %v, want true, nil", created, err)
	}
	e, err := a.Manager().GetAndUpdateParticipant(ctx, "P1")
	if err != nil {
		t.Fatalf("GetAndUpdateParticipant() error = %v", err)
	}
	if e.QuestionnaireID != "Q1" || !e.StartDate.Equal(testNow) || e.IterationsLeft != 3 {
		t.Fatalf("entry = %+v", e)
	}
	ids, err := a.Manager().ParticipantsWithAvailableQuestionnaires(ctx, testNow)
	if err != nil || len(ids) != 1 || ids[0] != "P1" {
		t.Fatalf("available = %v, %v, want [P1]", ids, err)
	}
	if ok, err := a.Manager().CheckLogin(ctx, "P1"); err != nil || !ok {
		t.Fatalf("CheckLogin() = %v, %v, want true, nil", ok, err)
	}
}

func TestNewFailsWhenStoreCannotOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	body := `{"logging":{"level":"error"},"storage":{"driver":"sqlite","path":"` +
		filepath.ToSlash(filepath.Join(blocker, "study.db")) + `"}}`
	cfgm := config.NewManager(writeConfig(t, dir, body))
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := New(context.Background(), cfgm); err == nil {
		t.Fatal("New() error = nil, want storage failure")
	}
}

func TestApplyConfigSwapsPolicy(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig)
	defer a.Close(context.Background())
	ctx := context.Background()

	prev := a.Config()
	next := *prev
	next.Policy.Example.IntervalDays = 14
	next.Policy.Example.InitialQuestionnaire = "BASELINE"
	a.applyConfig(ctx, prev, &next)

	if a.Config().Policy.Example.IntervalDays != 14 {
		t.Fatalf("Config() not swapped: %+v", a.Config().Policy)
	}
	if _, err := a.Store().Enroll(ctx, "P2"); err != nil {
		t.Fatal(err)
	}
	e, err := a.Manager().GetAndUpdateParticipant(ctx, "P2")
	if err != nil {
		t.Fatalf("GetAndUpdateParticipant() error = %v", err)
	}
	if e.QuestionnaireID != "BASELINE" || e.DueDate.Sub(e.StartDate) != 14*24*time.Hour {
		t.Fatalf("entry = %+v, want BASELINE over 14 days", e)
	}
}

func TestApplyConfigKeepsPolicyOnError(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig)
	defer a.Close(context.Background())
	ctx := context.Background()

	before := a.Manager().Policy()
	prev := a.Config()
	bad := *prev
	bad.Policy.Name = "missing"
	bad.Policy.Example.IntervalDays = 14
	bad.Logging.Console = !prev.Logging.Console
	applied := a.applyConfig(ctx, prev, &bad)

	if a.Manager().Policy() != before {
		t.Fatal("policy replaced by an invalid config")
	}
	if applied != a.Config() {
		t.Fatal("applyConfig() result differs from Config()")
	}
	if !reflect.DeepEqual(applied.Policy, prev.Policy) {
		t.Fatalf("Config().Policy = %+v, want previous %+v", applied.Policy, prev.Policy)
	}
	if applied.Logging.Console == prev.Logging.Console {
		t.Fatal("accepted logging section not kept")
	}

	// Resubmitting the rejected section is still a policy change.
	if sections, _ := config.SummarizeConfigChange(applied, &bad); !slices.Contains(sections, "policy") {
		t.Fatalf("changed sections = %v, want policy", sections)
	}

	good := bad
	good.Policy.Name = prev.Policy.Name
	a.applyConfig(ctx, applied, &good)
	if a.Manager().Policy() == before {
		t.Fatal("valid policy not applied after an earlier rejection")
	}
	if a.Config().Policy.Example.IntervalDays != 14 {
		t.Fatalf("Config().Policy = %+v, want interval 14", a.Config().Policy)
	}
}

func TestRunServesMetricsAndStops(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var states []string
	notify := func(s string) error {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
		return nil
	}
	a := newTestApp(t, `{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "$DB"},
  "sweep": {"schedule": "@every 1h"},
  "metrics": {"enabled": true, "addr": "127.0.0.1:0"},
  "shutdown_timeout": "5s"
}`, WithNotifier(notify))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var addr string
	var next time.Time
	deadline := time.Now().Add(3 * time.Second)
	for (addr == "" || next.IsZero()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr, next = a.MetricsAddr(), a.Sweep().Next()
	}
	if addr == "" || next.IsZero() {
		cancel()
		t.Fatalf("not started: metrics addr %q, next sweep %v", addr, next)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"studytrack_participants_available", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != sdReady || states[1] != sdStopping {
		t.Fatalf("notify states = %q", states)
	}
}

func TestRunAppliesEditedConfigFile(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, quietConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	edited := []byte(`{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(a.Config().Storage.Path) + `"},
  "sweep": {"enabled": false},
  "policy": {"example": {"interval_days": 14}}
}`)
	// Rewrite until the watcher has picked it up; the first write may land
	// before the watch is registered.
	deadline := time.Now().Add(5 * time.Second)
	for a.Config().Policy.Example.IntervalDays != 14 && time.Now().Before(deadline) {
		if err := os.WriteFile(a.cfgm.Path(), edited, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(300 * time.Millisecond)
	}
	if got := a.Config().Policy.Example.IntervalDays; got != 14 {
		t.Fatalf("interval_days after edit = %d, want 14", got)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "2s"}, driver: "sqlite"},
		{name: "sqlite3 alias", in: config.StorageConfig{Driver: "SQLite3", Path: "a.db"}, driver: "sqlite"},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "postgres", in: config.StorageConfig{Driver: "postgres", DSN: "postgres://db/study", MaxOpenConns: 4}, driver: "postgres"},
		{name: "postgres without dsn", in: config.StorageConfig{Driver: "pgx"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "mysql"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("mapStorageConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Driver != tt.driver {
				t.Fatalf("Driver = %q, want %q", got.Driver, tt.driver)
			}
		})
	}
	got, _ := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "2s"}})
	if got.BusyTimeout != 2*time.Second {
		t.Fatalf("BusyTimeout = %v, want 2s", got.BusyTimeout)
	}
}
