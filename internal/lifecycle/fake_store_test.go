package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"studytrack/internal/participant"
)

// memStore mimics the SQL store: Validate before write, unchanged schedules
// are not rewritten, duplicate rows surface as ErrDataIntegrity.
type memStore struct {
	mu      sync.Mutex
	rows    map[string][]participant.Entry
	history []participant.HistoryEntry

	reads  int
	writes int
	fail   error
}

func newMemStore(entries ...participant.Entry) *memStore {
	s := &memStore{rows: map[string][]participant.Entry{}}
	for _, e := range entries {
		s.rows[e.SubjectID] = append(s.rows[e.SubjectID], e)
	}
	return s
}

func (s *memStore) calls() (reads, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes
}

func (s *memStore) one(subjectID string) (participant.Entry, error) {
	rows := s.rows[subjectID]
	switch len(rows) {
	case 0:
		return participant.Entry{}, fmt.Errorf("%w: %s", participant.ErrNotFound, subjectID)
	case 1:
		return rows[0], nil
	default:
		return participant.Entry{}, fmt.Errorf("%w: %s", participant.ErrDataIntegrity, subjectID)
	}
}

func (s *memStore) GetParticipant(_ context.Context, subjectID string) (participant.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.fail != nil {
		return participant.Entry{}, s.fail
	}
	return s.one(subjectID)
}

func (s *memStore) UpdateParticipant(_ context.Context, subjectID string, fn func(participant.Entry) (participant.Entry, error)) (participant.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.fail != nil {
		return participant.Entry{}, s.fail
	}
	cur, err := s.one(subjectID)
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
	s.writes++
	s.rows[subjectID] = []participant.Entry{next}
	return next, nil
}

func (s *memStore) TouchLastAction(_ context.Context, subjectID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	rows := s.rows[subjectID]
	for i := range rows {
		rows[i].LastAction = at
	}
	if len(rows) > 0 {
		s.writes++
	}
	return len(rows) > 0, nil
}

func (s *memStore) CountParticipants(_ context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.fail != nil {
		return 0, s.fail
	}
	return len(s.rows[subjectID]), nil
}

func (s *memStore) ListAvailable(_ context.Context, ref time.Time) ([]string, error) {
	return s.list(ref, func(e participant.Entry, h []participant.HistoryEntry) bool { return len(h) == 0 })
}

func (s *memStore) ListPendingUploads(_ context.Context, ref time.Time) ([]string, error) {
	return s.list(ref, func(e participant.Entry, h []participant.HistoryEntry) bool {
		return slices.ContainsFunc(h, func(x participant.HistoryEntry) bool { return x.DateSent.IsZero() })
	})
}

func (s *memStore) list(ref time.Time, keep func(participant.Entry, []participant.HistoryEntry) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := []string{}
	for id, rows := range s.rows {
		for _, e := range rows {
			if !e.Contains(ref) {
				continue
			}
			var h []participant.HistoryEntry
			for _, x := range s.history {
				if x.SubjectID == id && x.QuestionnaireID == e.QuestionnaireID && x.InstanceID == e.InstanceID {
					h = append(h, x)
				}
			}
			if keep(e, h) && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}
