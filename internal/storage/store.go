package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studytrack/internal/participant"
	logx "studytrack/pkg/logx"
)

const participantColumns = `subject_id, current_questionnaire_id, current_instance_id, start_date, due_date,
	current_interval, additional_iterations_left, last_action`

// SQLStore is the participant store and history ledger reader.
// It is safe for concurrent use.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *SQLStore {
	return &SQLStore{db: db, d: d, log: log}
}

// Driver names the backend ("sqlite" or "postgres").
func (s *SQLStore) Driver() string { return s.d.name }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the store connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", participant.ErrStoreUnavailable, op, err)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadParticipant reads every row for subjectID and enforces exactly one.
func (s *SQLStore) loadParticipant(ctx context.Context, q queryer, subjectID, suffix string) (participant.Entry, error) {
	rows, err := q.QueryContext(ctx,
		s.d.rebind(`SELECT `+participantColumns+` FROM studyparticipant WHERE subject_id = ?`+suffix),
		subjectID,
	)
	if err != nil {
		return participant.Entry{}, unavailable("select participant", err)
	}
	defer rows.Close()

	var found []participant.Entry
	for rows.Next() {
		e, err := scanParticipant(rows)
		if err != nil {
			return participant.Entry{}, unavailable("scan participant", err)
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return participant.Entry{}, unavailable("select participant", err)
	}
	switch len(found) {
	case 0:
		return participant.Entry{}, fmt.Errorf("%w: %s", participant.ErrNotFound, subjectID)
	case 1:
		return found[0], nil
	default:
		return participant.Entry{}, fmt.Errorf("%w: %s matched %d rows", participant.ErrDataIntegrity, subjectID, len(found))
	}
}

func scanParticipant(rows *sql.Rows) (participant.Entry, error) {
	var (
		e             participant.Entry
		questionnaire sql.NullString
		instance      sql.NullInt64
		start, due    dbTime
		lastAction    dbTime
	)
	if err := rows.Scan(&e.SubjectID, &questionnaire, &instance, &start, &due,
		&e.Interval, &e.IterationsLeft, &lastAction); err != nil {
		return participant.Entry{}, err
	}
	e.QuestionnaireID = questionnaire.String
	e.InstanceID = int(instance.Int64)
	e.StartDate = start.T
	e.DueDate = due.T
	e.LastAction = lastAction.T
	return e, nil
}

// GetParticipant loads one participant.
func (s *SQLStore) GetParticipant(ctx context.Context, subjectID string) (participant.Entry, error) {
	return s.loadParticipant(ctx, s.db, subjectID, "")
}

// UpdateParticipant runs read-compute-write for one participant in a single
// transaction. The row is locked (Postgres) or the store has a single writer
// connection (SQLite), so concurrent triggers for the same subject cannot
// lose updates. fn must not touch the store. Any error rolls back.
//
// The six scheduling fields of fn's result are written; the returned entry is
// the one now stored. An unchanged schedule is not rewritten.
func (s *SQLStore) UpdateParticipant(ctx context.Context, subjectID string, fn func(participant.Entry) (participant.Entry, error)) (participant.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return participant.Entry{}, unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.loadParticipant(ctx, tx, subjectID, s.d.lockClause)
	if err != nil {
		return participant.Entry{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return participant.Entry{}, err
	}
	next.SubjectID = cur.SubjectID
	next.LastAction = cur.LastAction
	if err := next.Validate(); err != nil {
		return participant.Entry{}, err
	}
	if next.SameSchedule(cur) {
		return cur, nil
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE studyparticipant SET
		current_questionnaire_id = ?,
		start_date = ?,
		due_date = ?,
		current_instance_id = ?,
		current_interval = ?,
		additional_iterations_left = ?
	WHERE subject_id = ?`),
		nullStr(next.QuestionnaireID),
		s.d.timeArg(next.StartDate),
		s.d.timeArg(next.DueDate),
		nullInt(next.InstanceID),
		next.Interval,
		next.IterationsLeft,
		subjectID,
	)
	if err != nil {
		return participant.Entry{}, unavailable("update participant", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return participant.Entry{}, fmt.Errorf("%w: %s: update affected %d rows", participant.ErrDataIntegrity, subjectID, n)
	}
	if err := tx.Commit(); err != nil {
		return participant.Entry{}, unavailable("commit", err)
	}
	return next, nil
}

// TouchLastAction sets last_action. It reports whether a row matched.
func (s *SQLStore) TouchLastAction(ctx context.Context, subjectID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE studyparticipant SET last_action = ? WHERE subject_id = ?`),
		s.d.timeArg(at), subjectID,
	)
	if err != nil {
		return false, unavailable("touch last_action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("touch last_action", err)
	}
	return n > 0, nil
}

// CountParticipants counts rows matching subjectID.
func (s *SQLStore) CountParticipants(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT COUNT(*) FROM studyparticipant WHERE subject_id = ?`), subjectID,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count participants", err)
	}
	return n, nil
}

// ListAvailable returns participants whose window contains ref and who have no
// history row for their current questionnaire instance.
func (s *SQLStore) ListAvailable(ctx context.Context, ref time.Time) ([]string, error) {
	at := s.d.timeArg(ref)
	return s.listSubjects(ctx, "list available", `SELECT s.subject_id
		FROM studyparticipant s
		LEFT JOIN questionnairehistory q ON
			s.subject_id = q.subject_id
			AND s.current_questionnaire_id = q.questionnaire_id
			AND s.current_instance_id = q.instance_id
		WHERE q.id IS NULL
			AND s.start_date <= ?
			AND s.due_date >= ?
		ORDER BY s.subject_id`, at, at)
}

// ListPendingUploads returns participants whose window contains ref and whose
// history row for the current questionnaire instance has no date_sent.
func (s *SQLStore) ListPendingUploads(ctx context.Context, ref time.Time) ([]string, error) {
	at := s.d.timeArg(ref)
	return s.listSubjects(ctx, "list pending uploads", `SELECT DISTINCT s.subject_id
		FROM studyparticipant s
		JOIN questionnairehistory q ON
			q.subject_id = s.subject_id
			AND q.questionnaire_id = s.current_questionnaire_id
			AND q.instance_id = s.current_instance_id
		WHERE s.start_date <= ?
			AND s.due_date >= ?
			AND q.date_sent IS NULL
		ORDER BY s.subject_id`, at, at)
}

// ListStale returns participants that were never assigned or whose due date
// lies before ref.
func (s *SQLStore) ListStale(ctx context.Context, ref time.Time) ([]string, error) {
	return s.listSubjects(ctx, "list stale", `SELECT subject_id
		FROM studyparticipant
		WHERE (start_date IS NULL AND current_questionnaire_id IS NULL AND current_instance_id IS NULL)
			OR due_date < ?
		ORDER BY subject_id`, s.d.timeArg(ref))
}

func (s *SQLStore) listSubjects(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// ListHistory returns the ledger rows of one participant, oldest first.
func (s *SQLStore) ListHistory(ctx context.Context, subjectID string) ([]participant.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT id, subject_id, questionnaire_id, instance_id, date_received, date_sent
		FROM questionnairehistory
		WHERE subject_id = ?
		ORDER BY instance_id, id`), subjectID)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()

	out := []participant.HistoryEntry{}
	for rows.Next() {
		var (
			h              participant.HistoryEntry
			received, sent dbTime
		)
		if err := rows.Scan(&h.ID, &h.SubjectID, &h.QuestionnaireID, &h.InstanceID, &received, &sent); err != nil {
			return nil, unavailable("list history", err)
		}
		h.DateReceived = received.T
		h.DateSent = sent.T
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list history", err)
	}
	return out, nil
}

// Enroll provisions an unassigned participant row.
// It reports false when the subject already exists.
func (s *SQLStore) Enroll(ctx context.Context, subjectID string) (bool, error) {
	if subjectID == "" {
		return false, errors.New("subject id required")
	}
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO studyparticipant (subject_id) VALUES (?) ON CONFLICT (subject_id) DO NOTHING`),
		subjectID,
	)
	if err != nil {
		return false, unavailable("enroll", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("enroll", err)
	}
	if n > 0 {
		s.log.Info("participant enrolled", logx.String("subject_id", subjectID))
	}
	return n > 0, nil
}
