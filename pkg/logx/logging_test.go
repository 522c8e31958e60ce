package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").With(Component("lifecycle"))

	log.Info("participant updated", String("subject_id", "P1"), Int("left", 3), Err(errors.New("boom")))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if got["component"] != "lifecycle" {
		t.Fatalf("component = %v, want lifecycle", got["component"])
	}
	if got["subject_id"] != "P1" {
		t.Fatalf("subject_id = %v, want P1", got["subject_id"])
	}
	if got["left"] != float64(3) {
		t.Fatalf("left = %v, want 3", got["left"])
	}
	if got["message"] != "participant updated" {
		t.Fatalf("message = %v", got["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("to file")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	if log.Enabled(LevelInfo) {
		t.Fatal("level change not applied to live logger")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
