package policy

import (
	"fmt"
	"strings"
	"time"

	"studytrack/internal/participant"
)

// Exhaustion modes of the example policy.
const (
	ExhaustClear    = "clear"
	ExhaustTerminal = "terminal"
)

// Trigger events understood by the example policy.
const (
	EventNone      = ""
	EventCompleted = "completed"
	EventOverride  = "override"
)

// MaxIntervalDays bounds interval_days so a window length stays well inside
// time.Duration.
const MaxIntervalDays = 36500

// ExampleConfig parameterizes the reference policy.
//
// Defaults (when fields are zero):
//   - initial_questionnaire: "Q1"
//   - interval_days: 7
//   - iterations: 4
//   - on_exhausted: "clear"
type ExampleConfig struct {
	InitialQuestionnaire string
	IntervalDays         int
	// Iterations is the total number of windows, the first one included.
	Iterations      int
	AdvanceInstance bool
	OnExhausted     string
	// TerminalQuestionnaire is assigned once when iterations run out
	// and OnExhausted is "terminal".
	TerminalQuestionnaire string
}

func (c ExampleConfig) withDefaults() ExampleConfig {
	if strings.TrimSpace(c.InitialQuestionnaire) == "" {
		c.InitialQuestionnaire = "Q1"
	}
	if c.IntervalDays == 0 {
		c.IntervalDays = 7
	}
	if c.Iterations == 0 {
		c.Iterations = 4
	}
	c.OnExhausted = strings.ToLower(strings.TrimSpace(c.OnExhausted))
	if c.OnExhausted == "" {
		c.OnExhausted = ExhaustClear
	}
	return c
}

// Validate reports configuration errors after defaults are applied.
func (c ExampleConfig) Validate() error {
	c = c.withDefaults()
	if c.IntervalDays < 1 {
		return fmt.Errorf("policy.example.interval_days must be >= 1")
	}
	if c.IntervalDays > MaxIntervalDays {
		return fmt.Errorf("policy.example.interval_days must be <= %d", MaxIntervalDays)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("policy.example.iterations must be >= 1")
	}
	switch c.OnExhausted {
	case ExhaustClear:
	case ExhaustTerminal:
		if strings.TrimSpace(c.TerminalQuestionnaire) == "" {
			return fmt.Errorf("policy.example.terminal_questionnaire is required when on_exhausted=terminal")
		}
	default:
		return fmt.Errorf("policy.example.on_exhausted: unknown mode %q", c.OnExhausted)
	}
	return nil
}

// Example is the reference policy.
//
// Schedule:
//   - A participant that was never enrolled (instance 0) gets the initial
//     questionnaire, instance 1, a window [now, now+interval] and
//     iterations-1 repetitions left.
//   - "completed" closes the current window: one repetition is consumed and the
//     window moves forward by the interval (instance +1 when AdvanceInstance).
//   - The empty trigger leaves a running window alone; an overdue window counts
//     as elapsed and is advanced, skipping every window that already ended.
//   - With no repetitions left the assignment is cleared (instance kept, so the
//     participant is never re-enrolled) or, in terminal mode, the terminal
//     questionnaire is assigned once and cleared after it completes.
//   - "override" replaces questionnaire_id / interval_days / iterations (the
//     remaining count) and restarts the window at now. It also re-enrolls a
//     finished participant.
type Example struct {
	cfg ExampleConfig
}

func init() {
	Register(DefaultName, func(cfg Config) (Policy, error) {
		return NewExample(cfg.Example)
	})
}

// NewExample validates cfg and builds the reference policy.
func NewExample(cfg ExampleConfig) (*Example, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Example{cfg: cfg.withDefaults()}, nil
}

func (p *Example) Name() string { return DefaultName }

type exampleTrigger struct {
	event string

	questionnaire    string
	hasQuestionnaire bool
	interval         int
	hasInterval      bool
	iterations       int
	hasIterations    bool
}

func parseExampleTrigger(t participant.Trigger) (exampleTrigger, error) {
	var out exampleTrigger
	if err := t.CheckKeys("event", "questionnaire_id", "interval_days", "iterations"); err != nil {
		return out, err
	}
	ev, _, err := t.String("event")
	if err != nil {
		return out, err
	}
	out.event = strings.ToLower(strings.TrimSpace(ev))
	switch out.event {
	case EventNone, EventCompleted:
		if len(t) > 1 || (len(t) == 1 && !hasKey(t, "event")) {
			return out, fmt.Errorf("%w: only event %q accepts parameters", participant.ErrInvalidTrigger, EventOverride)
		}
		return out, nil
	case EventOverride:
	default:
		return out, fmt.Errorf("%w: unknown event %q", participant.ErrInvalidTrigger, ev)
	}

	if out.questionnaire, out.hasQuestionnaire, err = t.String("questionnaire_id"); err != nil {
		return out, err
	}
	if out.hasQuestionnaire && strings.TrimSpace(out.questionnaire) == "" {
		return out, fmt.Errorf("%w: questionnaire_id must not be empty", participant.ErrInvalidTrigger)
	}
	if out.interval, out.hasInterval, err = t.Int("interval_days"); err != nil {
		return out, err
	}
	if out.hasInterval && out.interval < 1 {
		return out, fmt.Errorf("%w: interval_days must be >= 1", participant.ErrInvalidTrigger)
	}
	if out.hasInterval && out.interval > MaxIntervalDays {
		return out, fmt.Errorf("%w: interval_days must be <= %d", participant.ErrInvalidTrigger, MaxIntervalDays)
	}
	if out.iterations, out.hasIterations, err = t.Int("iterations"); err != nil {
		return out, err
	}
	if out.hasIterations && out.iterations < 0 {
		return out, fmt.Errorf("%w: iterations must be >= 0", participant.ErrInvalidTrigger)
	}
	return out, nil
}

func hasKey(t participant.Trigger, k string) bool {
	_, ok := t[k]
	return ok
}

func (p *Example) NextState(cur participant.Entry, trigger participant.Trigger, now time.Time) (participant.Entry, error) {
	tr, err := parseExampleTrigger(trigger)
	if err != nil {
		return participant.Entry{}, err
	}
	next := cur
	if next.Interval <= 0 {
		next.Interval = p.cfg.IntervalDays
	}
	if next.Interval > MaxIntervalDays {
		return participant.Entry{}, fmt.Errorf("%w: %s has interval %d days", participant.ErrInvalidState, cur.SubjectID, next.Interval)
	}

	switch {
	case cur.Unassigned():
		if cur.InstanceID > 0 && tr.event != EventOverride {
			// finished; never re-enrolled implicitly
			return cur, nil
		}
		return p.enroll(next, tr, now), nil
	case !cur.Assigned():
		return participant.Entry{}, fmt.Errorf("%w: %s has a partial assignment", participant.ErrInvalidState, cur.SubjectID)
	}

	switch tr.event {
	case EventCompleted:
		return p.advance(next, now, false), nil
	case EventOverride:
		return p.override(next, tr, now), nil
	default:
		if !now.After(cur.DueDate) {
			return cur, nil
		}
		return p.advance(next, now, true), nil
	}
}

func (p *Example) enroll(e participant.Entry, tr exampleTrigger, now time.Time) participant.Entry {
	e.QuestionnaireID = p.cfg.InitialQuestionnaire
	e.Interval = p.cfg.IntervalDays
	e.IterationsLeft = max(p.cfg.Iterations-1, 0)
	if tr.hasQuestionnaire {
		e.QuestionnaireID = tr.questionnaire
	}
	if tr.hasInterval {
		e.Interval = tr.interval
	}
	if tr.hasIterations {
		e.IterationsLeft = tr.iterations
	}
	e.InstanceID++
	e.StartDate = now
	e.DueDate = now.Add(days(e.Interval))
	return e
}

// advance closes the current window. With catchUp, windows that ended before
// now are skipped too, each one consuming a repetition.
func (p *Example) advance(e participant.Entry, now time.Time, catchUp bool) participant.Entry {
	for {
		if e.IterationsLeft <= 0 {
			return p.exhaust(e, now)
		}
		e.IterationsLeft--
		step := days(e.Interval)
		e.StartDate = e.StartDate.Add(step)
		e.DueDate = e.DueDate.Add(step)
		if p.cfg.AdvanceInstance {
			e.InstanceID++
		}
		if !catchUp || !e.DueDate.Before(now) {
			return e
		}
	}
}

func (p *Example) exhaust(e participant.Entry, now time.Time) participant.Entry {
	e.IterationsLeft = 0
	if p.cfg.OnExhausted == ExhaustTerminal && e.QuestionnaireID != p.cfg.TerminalQuestionnaire {
		e.QuestionnaireID = p.cfg.TerminalQuestionnaire
		e.InstanceID++
		e.StartDate = now
		e.DueDate = now.Add(days(e.Interval))
		return e
	}
	e.QuestionnaireID = ""
	e.StartDate = time.Time{}
	e.DueDate = time.Time{}
	if e.InstanceID == 0 {
		e.InstanceID = 1
	}
	return e
}

func (p *Example) override(e participant.Entry, tr exampleTrigger, now time.Time) participant.Entry {
	if tr.hasQuestionnaire {
		e.QuestionnaireID = tr.questionnaire
	}
	if tr.hasInterval {
		e.Interval = tr.interval
	}
	if tr.hasIterations {
		e.IterationsLeft = tr.iterations
	}
	e.InstanceID++
	e.StartDate = now
	e.DueDate = now.Add(days(e.Interval))
	return e
}
