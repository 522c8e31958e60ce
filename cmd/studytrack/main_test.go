package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studytrack/internal/participant"
)

type cliEnv struct {
	t      *testing.T
	config string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	db := filepath.ToSlash(filepath.Join(dir, "study.db"))
	body := `{"logging":{"level":"error"},"storage":{"driver":"sqlite","path":"` + db + `"},"sweep":{"enabled":false}}`
	p := filepath.Join(dir, "studytrack.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return cliEnv{t: t, config: p}
}

func (e cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(&out, &errOut)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e cliEnv) mustRun(v any, args ...string) {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("%v: %v", args, err)
	}
	if v == nil {
		return
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		e.t.Fatalf("%v: decode %q: %v", args, out, err)
	}
}

func TestParticipantLifecycleCommands(t *testing.T) {
	env := newCLIEnv(t)

	var enrolled []struct {
		SubjectID string `json:"subject_id"`
		Created   bool   `json:"created"`
	}
	env.mustRun(&enrolled, "participant", "enroll", "P1", "P2")
	if len(enrolled) != 2 || !enrolled[0].Created || !enrolled[1].Created {
		t.Fatalf("enroll = %+v", enrolled)
	}
	env.mustRun(&enrolled, "participant", "enroll", "P1")
	if enrolled[0].Created {
		t.Fatal("second enroll created a row")
	}

	var raw participant.Entry
	env.mustRun(&raw, "participant", "get", "P1", "--no-refresh")
	if !raw.Unassigned() {
		t.Fatalf("raw entry = %+v, want unassigned", raw)
	}

	var e participant.Entry
	env.mustRun(&e, "participant", "get", "P1")
	if e.QuestionnaireID != "Q1" || e.InstanceID != 1 || e.IterationsLeft != 3 {
		t.Fatalf("get = %+v", e)
	}

	var q queueResult
	env.mustRun(&q, "queue", "available", "--at", e.StartDate.Add(time.Hour).Format(time.RFC3339Nano))
	if len(q.SubjectIDs) != 1 || q.SubjectIDs[0] != "P1" {
		t.Fatalf("available = %+v, want [P1]", q)
	}
	env.mustRun(&q, "queue", "pending")
	if len(q.SubjectIDs) != 0 {
		t.Fatalf("pending = %+v, want empty", q)
	}

	var next participant.Entry
	env.mustRun(&next, "participant", "update", "P1", "--trigger", `{"event":"completed"}`)
	if next.IterationsLeft != 2 || !next.StartDate.After(e.StartDate) {
		t.Fatalf("update = %+v", next)
	}

	var check struct {
		Exists bool `json:"exists"`
	}
	env.mustRun(&check, "participant", "check", "P1")
	if !check.Exists {
		t.Fatal("check P1 = false")
	}
	env.mustRun(&check, "participant", "check", "nobody")
	if check.Exists {
		t.Fatal("check nobody = true")
	}

	var touched touchResult
	env.mustRun(&touched, "participant", "touch", "P2")
	env.mustRun(&raw, "participant", "get", "P2", "--no-refresh")
	if raw.LastAction.IsZero() || !touched.Recorded {
		t.Fatalf("touch = %+v, stored last_action %v", touched, raw.LastAction)
	}
	if !touched.LastAction.Equal(raw.LastAction) {
		t.Fatalf("touch printed last_action %v, stored %v", touched.LastAction, raw.LastAction)
	}
	touched = touchResult{}
	env.mustRun(&touched, "participant", "touch", "nobody")
	if touched.Recorded || !touched.LastAction.IsZero() {
		t.Fatalf("touch nobody = %+v, want not recorded", touched)
	}

	var hist []participant.HistoryEntry
	env.mustRun(&hist, "participant", "history", "P1")
	if len(hist) != 0 {
		t.Fatalf("history = %+v, want empty", hist)
	}
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)

	if _, err := env.run("participant", "get", "ghost"); !errors.Is(err, participant.ErrNotFound) {
		t.Fatalf("get ghost = %v, want ErrNotFound", err)
	}
	env.mustRun(nil, "participant", "enroll", "P1")
	if _, err := env.run("participant", "update", "P1", "--trigger", `[1,2]`); !errors.Is(err, participant.ErrInvalidTrigger) {
		t.Fatalf("update with array trigger = %v, want ErrInvalidTrigger", err)
	}
	if _, err := env.run("queue", "available", "--at", "yesterday"); err == nil {
		t.Fatal("queue with bad --at succeeded")
	}
	if _, err := env.run("--log-level", "loud", "queue", "pending"); err == nil {
		t.Fatal("bad --log-level accepted")
	}
}

func TestSweepCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(nil, "participant", "enroll", "P1", "P2")

	var rep struct {
		RunID     string   `json:"run_id"`
		Available []string `json:"available"`
		Refreshed int      `json:"refreshed"`
	}
	env.mustRun(&rep, "sweep")
	if rep.RunID == "" || rep.Refreshed != 2 || len(rep.Available) != 2 {
		t.Fatalf("sweep report = %+v", rep)
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand(&out, &out)
	root.SetArgs([]string{"--config", "/does/not/exist.json", "version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), programName+" ") {
		t.Fatalf("version output = %q", out.String())
	}
}
