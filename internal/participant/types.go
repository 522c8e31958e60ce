package participant

import (
	"fmt"
	"time"
)

// Entry is one row of the participant store.
//
// Nullable columns map to zero values: "" for the questionnaire, 0 for the
// instance and the zero time for dates.
type Entry struct {
	SubjectID       string    `json:"subject_id"`
	QuestionnaireID string    `json:"current_questionnaire_id,omitempty"`
	InstanceID      int       `json:"current_instance_id,omitempty"`
	StartDate       time.Time `json:"start_date,omitzero"`
	DueDate         time.Time `json:"due_date,omitzero"`
	// Interval is the cadence in days.
	Interval       int       `json:"current_interval"`
	IterationsLeft int       `json:"additional_iterations_left"`
	LastAction     time.Time `json:"last_action,omitzero"`
}

// Assigned reports whether the entry carries a current assignment.
func (e Entry) Assigned() bool {
	return e.QuestionnaireID != "" && !e.StartDate.IsZero() && !e.DueDate.IsZero()
}

// Unassigned reports whether questionnaire, start and due are all unset.
func (e Entry) Unassigned() bool {
	return e.QuestionnaireID == "" && e.StartDate.IsZero() && e.DueDate.IsZero()
}

// Stale reports whether the assignment must be recomputed at now:
// no start date yet, or a due date in the past.
func (e Entry) Stale(now time.Time) bool {
	return e.StartDate.IsZero() || (!e.DueDate.IsZero() && e.DueDate.Before(now))
}

// Contains reports whether ref lies inside the assignment window (inclusive).
func (e Entry) Contains(ref time.Time) bool {
	if !e.Assigned() {
		return false
	}
	return !ref.Before(e.StartDate) && !ref.After(e.DueDate)
}

// Validate checks the assignment invariant.
func (e Entry) Validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("%w: empty subject_id", ErrInvalidState)
	}
	if !e.Assigned() && !e.Unassigned() {
		return fmt.Errorf("%w: %s: questionnaire, start_date and due_date must be set together", ErrInvalidState, e.SubjectID)
	}
	if e.Assigned() && e.StartDate.After(e.DueDate) {
		return fmt.Errorf("%w: %s: start_date %s after due_date %s", ErrInvalidState, e.SubjectID,
			e.StartDate.Format(time.RFC3339), e.DueDate.Format(time.RFC3339))
	}
	if e.IterationsLeft < 0 {
		return fmt.Errorf("%w: %s: negative additional_iterations_left", ErrInvalidState, e.SubjectID)
	}
	if e.Interval < 0 || e.InstanceID < 0 {
		return fmt.Errorf("%w: %s: negative interval or instance", ErrInvalidState, e.SubjectID)
	}
	return nil
}

// SameSchedule reports whether the six mutable scheduling fields are equal.
func (e Entry) SameSchedule(o Entry) bool {
	return e.QuestionnaireID == o.QuestionnaireID &&
		e.InstanceID == o.InstanceID &&
		e.StartDate.Equal(o.StartDate) &&
		e.DueDate.Equal(o.DueDate) &&
		e.Interval == o.Interval &&
		e.IterationsLeft == o.IterationsLeft
}

// HistoryEntry is one row of the questionnaire history ledger.
// A zero DateSent means the response was captured but not yet transmitted.
type HistoryEntry struct {
	ID              string    `json:"id"`
	SubjectID       string    `json:"subject_id"`
	QuestionnaireID string    `json:"questionnaire_id"`
	InstanceID      int       `json:"instance_id"`
	DateReceived    time.Time `json:"date_received,omitzero"`
	DateSent        time.Time `json:"date_sent,omitzero"`
}
