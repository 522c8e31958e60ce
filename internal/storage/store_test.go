package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"studytrack/internal/lifecycle"
	"studytrack/internal/participant"
	"studytrack/internal/policy"
	logx "studytrack/pkg/logx"
)

var day = 24 * time.Hour

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "study.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func enroll(t *testing.T, st *SQLStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := st.Enroll(context.Background(), id); err != nil {
			t.Fatalf("Enroll(%q) error = %v", id, err)
		}
	}
}

func assign(t *testing.T, st *SQLStore, id, q string, instance int, start, due time.Time) participant.Entry {
	t.Helper()
	got, err := st.UpdateParticipant(context.Background(), id, func(e participant.Entry) (participant.Entry, error) {
		e.QuestionnaireID = q
		e.InstanceID = instance
		e.StartDate = start
		e.DueDate = due
		e.Interval = 7
		e.IterationsLeft = 2
		return e, nil
	})
	if err != nil {
		t.Fatalf("UpdateParticipant(%q) error = %v", id, err)
	}
	return got
}

func addHistory(t *testing.T, st *SQLStore, id, subject, q string, instance int, sent time.Time) {
	t.Helper()
	_, err := st.db.Exec(`INSERT INTO questionnairehistory
		(id, subject_id, questionnaire_id, instance_id, date_received, date_sent)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, subject, q, instance, time.Now().UnixMilli(), sqliteDialect.timeArg(sent))
	if err != nil {
		t.Fatalf("insert history: %v", err)
	}
}

func TestUpdateParticipantRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	enroll(t, st, "S1")

	start := time.Date(2024, 3, 1, 9, 30, 15, 123e6, time.UTC)
	due := start.Add(7 * day)
	written := assign(t, st, "S1", "Q1", 3, start, due)

	got, err := st.GetParticipant(ctx, "S1")
	if err != nil {
		t.Fatalf("GetParticipant() error = %v", err)
	}
	if !got.SameSchedule(written) {
		t.Fatalf("GetParticipant() = %+v, want %+v", got, written)
	}
	if !got.StartDate.Equal(start) || !got.DueDate.Equal(due) {
		t.Fatalf("window = [%v, %v], want [%v, %v]", got.StartDate, got.DueDate, start, due)
	}
	if got.InstanceID != 3 || got.Interval != 7 || got.IterationsLeft != 2 {
		t.Fatalf("fields = %+v", got)
	}
}

func TestGetParticipantNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	_, err := st.GetParticipant(context.Background(), "nobody")
	if !errors.Is(err, participant.ErrNotFound) {
		t.Fatalf("GetParticipant() error = %v, want ErrNotFound", err)
	}
	_, err = st.UpdateParticipant(context.Background(), "nobody", func(e participant.Entry) (participant.Entry, error) {
		t.Fatal("fn called for missing participant")
		return e, nil
	})
	if !errors.Is(err, participant.ErrNotFound) {
		t.Fatalf("UpdateParticipant() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateParticipantRollsBackOnError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	enroll(t, st, "S1")

	boom := errors.New("boom")
	_, err := st.UpdateParticipant(ctx, "S1", func(e participant.Entry) (participant.Entry, error) {
		return e, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateParticipant() error = %v, want boom", err)
	}

	// Partial assignment is rejected before the write.
	_, err = st.UpdateParticipant(ctx, "S1", func(e participant.Entry) (participant.Entry, error) {
		e.QuestionnaireID = "Q1"
		return e, nil
	})
	if !errors.Is(err, participant.ErrInvalidState) {
		t.Fatalf("UpdateParticipant() error = %v, want ErrInvalidState", err)
	}

	got, err := st.GetParticipant(ctx, "S1")
	if err != nil {
		t.Fatalf("GetParticipant() error = %v", err)
	}
	if !got.Unassigned() {
		t.Fatalf("participant changed after failed updates: %+v", got)
	}
}

func TestTouchLastAction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	enroll(t, st, "S1")

	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	ok, err := st.TouchLastAction(ctx, "S1", at)
	if err != nil || !ok {
		t.Fatalf("TouchLastAction() = %v, %v, want true, nil", ok, err)
	}
	got, err := st.GetParticipant(ctx, "S1")
	if err != nil {
		t.Fatalf("GetParticipant() error = %v", err)
	}
	if !got.LastAction.Equal(at) {
		t.Fatalf("LastAction = %v, want %v", got.LastAction, at)
	}

	ok, err = st.TouchLastAction(ctx, "ghost", at)
	if err != nil || ok {
		t.Fatalf("TouchLastAction(ghost) = %v, %v, want false, nil", ok, err)
	}
}

func TestUpdateKeepsLastAction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	enroll(t, st, "S1")

	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	if _, err := st.TouchLastAction(ctx, "S1", at); err != nil {
		t.Fatalf("TouchLastAction() error = %v", err)
	}
	start := at.Add(day)
	assign(t, st, "S1", "Q1", 1, start, start.Add(7*day))

	got, err := st.GetParticipant(ctx, "S1")
	if err != nil {
		t.Fatalf("GetParticipant() error = %v", err)
	}
	if !got.LastAction.Equal(at) {
		t.Fatalf("LastAction = %v, want %v", got.LastAction, at)
	}
}

func TestCountParticipantsAndEnroll(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	n, err := st.CountParticipants(ctx, "S1")
	if err != nil || n != 0 {
		t.Fatalf("CountParticipants() = %d, %v, want 0, nil", n, err)
	}
	created, err := st.Enroll(ctx, "S1")
	if err != nil || !created {
		t.Fatalf("Enroll() = %v, %v, want true, nil", created, err)
	}
	created, err = st.Enroll(ctx, "S1")
	if err != nil || created {
		t.Fatalf("Enroll() again = %v, %v, want false, nil", created, err)
	}
	n, err = st.CountParticipants(ctx, "S1")
	if err != nil || n != 1 {
		t.Fatalf("CountParticipants() = %d, %v, want 1, nil", n, err)
	}
}

func TestAvailableAndPendingQueues(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ref := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	start := ref.Add(-2 * day)
	due := ref.Add(5 * day)
	sent := ref.Add(-time.Hour)

	enroll(t, st, "avail", "pending", "done", "stale-history", "future", "past", "unassigned")
	assign(t, st, "avail", "Q1", 1, start, due)
	assign(t, st, "pending", "Q1", 2, start, due)
	assign(t, st, "done", "Q1", 1, start, due)
	assign(t, st, "stale-history", "Q2", 4, start, due)
	assign(t, st, "future", "Q1", 1, ref.Add(day), ref.Add(8*day))
	assign(t, st, "past", "Q1", 1, ref.Add(-9*day), ref.Add(-2*day))

	addHistory(t, st, "h1", "pending", "Q1", 2, time.Time{})
	addHistory(t, st, "h2", "pending", "Q1", 2, time.Time{})
	addHistory(t, st, "h3", "done", "Q1", 1, sent)
	// An older instance does not count for the current one.
	addHistory(t, st, "h4", "stale-history", "Q2", 3, sent)

	available, err := st.ListAvailable(ctx, ref)
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if want := []string{"avail", "stale-history"}; !slices.Equal(available, want) {
		t.Fatalf("ListAvailable() = %v, want %v", available, want)
	}

	pending, err := st.ListPendingUploads(ctx, ref)
	if err != nil {
		t.Fatalf("ListPendingUploads() error = %v", err)
	}
	if want := []string{"pending"}; !slices.Equal(pending, want) {
		t.Fatalf("ListPendingUploads() = %v, want %v", pending, want)
	}

	for _, id := range available {
		if slices.Contains(pending, id) {
			t.Fatalf("%s is both available and pending", id)
		}
	}
}

func TestWindowBoundsAreInclusive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	due := start.Add(7 * day)
	enroll(t, st, "S1")
	assign(t, st, "S1", "Q1", 1, start, due)

	for _, ref := range []time.Time{start, due} {
		got, err := st.ListAvailable(ctx, ref)
		if err != nil {
			t.Fatalf("ListAvailable(%v) error = %v", ref, err)
		}
		if len(got) != 1 {
			t.Fatalf("ListAvailable(%v) = %v, want [S1]", ref, got)
		}
	}
	got, err := st.ListAvailable(ctx, due.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ListAvailable(after due) = %v, want []", got)
	}
}

func TestListStale(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ref := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	enroll(t, st, "fresh", "expired", "new")
	assign(t, st, "fresh", "Q1", 1, ref.Add(-day), ref.Add(day))
	assign(t, st, "expired", "Q1", 1, ref.Add(-8*day), ref.Add(-day))

	got, err := st.ListStale(ctx, ref)
	if err != nil {
		t.Fatalf("ListStale() error = %v", err)
	}
	if want := []string{"expired", "new"}; !slices.Equal(got, want) {
		t.Fatalf("ListStale() = %v, want %v", got, want)
	}
}

func TestListHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	sent := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)

	addHistory(t, st, "b", "S1", "Q1", 2, time.Time{})
	addHistory(t, st, "a", "S1", "Q1", 1, sent)
	addHistory(t, st, "c", "S2", "Q1", 1, sent)

	got, err := st.ListHistory(context.Background(), "S1")
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(ListHistory()) = %d, want 2", len(got))
	}
	if got[0].ID != "a" || !got[0].DateSent.Equal(sent) {
		t.Fatalf("first history row = %+v", got[0])
	}
	if got[1].ID != "b" || !got[1].DateSent.IsZero() {
		t.Fatalf("second history row = %+v", got[1])
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "study.db")
	for i := 0; i < 2; i++ {
		st, err := Open(context.Background(), Config{Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		_ = st.Close()
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `SELECT a FROM t WHERE x = ? AND y >= ?`
	if got := sqliteDialect.rebind(q); got != q {
		t.Fatalf("sqlite rebind = %q, want unchanged", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y >= $2`
	if got := postgresDialect.rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("STUDYTRACK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STUDYTRACK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	id := "pg-" + time.Now().UTC().Format("20060102150405.000000000")
	t.Cleanup(func() {
		_, _ = st.db.Exec(`DELETE FROM studyparticipant WHERE subject_id = $1`, id)
	})
	if _, err := st.Enroll(ctx, id); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	start := time.Now().UTC().Truncate(time.Millisecond)
	assign(t, st, id, "Q1", 1, start, start.Add(7*day))

	available, err := st.ListAvailable(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if !slices.Contains(available, id) {
		t.Fatalf("ListAvailable() = %v, want it to contain %s", available, id)
	}

	t.Run("concurrent completions", func(t *testing.T) {
		cid := id + "-c"
		t.Cleanup(func() {
			_, _ = st.db.Exec(`DELETE FROM studyparticipant WHERE subject_id = $1`, cid)
		})
		enroll(t, st, cid)
		if _, err := st.UpdateParticipant(ctx, cid, func(e participant.Entry) (participant.Entry, error) {
			e.QuestionnaireID, e.InstanceID, e.Interval, e.IterationsLeft = "Q1", 1, 7, 50
			e.StartDate, e.DueDate = start, start.Add(7*day)
			return e, nil
		}); err != nil {
			t.Fatalf("assign %s: %v", cid, err)
		}
		p, err := policy.NewExample(policy.ExampleConfig{AdvanceInstance: true})
		if err != nil {
			t.Fatal(err)
		}
		m, err := lifecycle.New(st, p, lifecycle.WithClock(func() time.Time { return start }))
		if err != nil {
			t.Fatal(err)
		}

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.UpdateParticipant(ctx, cid, participant.Trigger{"event": "completed"}); err != nil {
					t.Errorf("UpdateParticipant() error = %v", err)
				}
			}()
		}
		wg.Wait()

		got, err := st.GetParticipant(ctx, cid)
		if err != nil {
			t.Fatalf("GetParticipant() error = %v", err)
		}
		if got.InstanceID != 1+n || got.IterationsLeft != 50-n {
			t.Fatalf("instance/left = %d/%d, want %d/%d", got.InstanceID, got.IterationsLeft, 1+n, 50-n)
		}
	})
}
