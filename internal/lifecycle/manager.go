// Package lifecycle drives participants through their questionnaire schedule.
//
// The Manager loads a participant, asks the configured policy for the next
// state and persists it atomically through the Store. It also answers the
// login check and the two windowed queue queries.
package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studytrack/internal/observability/metrics"
	"studytrack/internal/participant"
	"studytrack/internal/policy"
	logx "studytrack/pkg/logx"
)

// Store is the participant persistence the manager needs.
type Store interface {
	GetParticipant(ctx context.Context, subjectID string) (participant.Entry, error)
	// UpdateParticipant runs fn on the current entry and writes its result in
	// one transaction keyed by subjectID.
	UpdateParticipant(ctx context.Context, subjectID string, fn func(participant.Entry) (participant.Entry, error)) (participant.Entry, error)
	TouchLastAction(ctx context.Context, subjectID string, at time.Time) (bool, error)
	CountParticipants(ctx context.Context, subjectID string) (int, error)
	ListAvailable(ctx context.Context, ref time.Time) ([]string, error)
	ListPendingUploads(ctx context.Context, ref time.Time) ([]string, error)
}

// Operation names used in logs, spans and metrics.
const (
	OpUpdate        = "update_participant"
	OpGetAndUpdate  = "get_and_update_participant"
	OpTouch         = "update_last_action"
	OpCheckLogin    = "check_login"
	OpListAvailable = "list_available"
	OpListPending   = "list_pending_uploads"
)

type Manager struct {
	store   Store
	policy  atomic.Pointer[policyHolder]
	log     logx.Logger
	clock   func() time.Time
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type policyHolder struct{ p policy.Policy }

type Option func(*Manager)

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock replaces time.Now. Values are still truncated to the millisecond.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.clock = fn } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

func New(store Store, p policy.Policy, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lifecycle: nil store")
	}
	if p == nil {
		return nil, errors.New("lifecycle: nil policy")
	}
	m := &Manager{store: store, clock: time.Now}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.Component("lifecycle"))
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("studytrack/internal/lifecycle")
	}
	m.policy.Store(&policyHolder{p: p})
	return m, nil
}

// SetPolicy swaps the policy. Calls already running keep the previous one.
func (m *Manager) SetPolicy(p policy.Policy) {
	if p == nil {
		return
	}
	prev := m.Policy()
	m.policy.Store(&policyHolder{p: p})
	m.log.Info("policy replaced", logx.String("from", prev.Name()), logx.String("to", p.Name()))
}

func (m *Manager) Policy() policy.Policy { return m.policy.Load().p }

// Now is the manager clock: UTC, millisecond precision.
func (m *Manager) Now() time.Time {
	return m.clock().UTC().Truncate(time.Millisecond)
}

// UpdateParticipant applies trigger to the participant and returns the entry
// as stored afterwards. Load, policy and write share one transaction; any
// error leaves the stored entry untouched.
func (m *Manager) UpdateParticipant(ctx context.Context, subjectID string, trigger participant.Trigger) (participant.Entry, error) {
	ctx, done := m.begin(ctx, OpUpdate, subjectID)
	e, err := m.update(ctx, subjectID, trigger)
	done(err)
	return e, err
}

// UpdateParticipantJSON parses a raw trigger before touching the store.
func (m *Manager) UpdateParticipantJSON(ctx context.Context, subjectID string, raw []byte) (participant.Entry, error) {
	trigger, err := participant.ParseTrigger(raw)
	if err != nil {
		m.log.Warn("trigger rejected", logx.String("op", OpUpdate), logx.String("subject_id", subjectID), logx.Err(err))
		m.metrics.ObserveOp(OpUpdate, 0, err)
		return participant.Entry{}, err
	}
	return m.UpdateParticipant(ctx, subjectID, trigger)
}

func (m *Manager) update(ctx context.Context, subjectID string, trigger participant.Trigger) (participant.Entry, error) {
	p := m.Policy()
	now := m.Now()
	var before participant.Entry
	after, err := m.store.UpdateParticipant(ctx, subjectID, func(cur participant.Entry) (participant.Entry, error) {
		before = cur
		return p.NextState(cur, trigger, now)
	})
	if err != nil {
		return participant.Entry{}, err
	}
	if m.log.Enabled(logx.LevelDebug) {
		m.log.Debug("participant updated",
			logx.String("subject_id", subjectID),
			logx.String("policy", p.Name()),
			logx.String("from", before.QuestionnaireID),
			logx.Int("from_instance", before.InstanceID),
			logx.String("to", after.QuestionnaireID),
			logx.Int("to_instance", after.InstanceID),
			logx.Time("due", after.DueDate),
			logx.Int("iterations_left", after.IterationsLeft),
			logx.Bool("changed", !after.SameSchedule(before)),
		)
	}
	return after, nil
}

// GetAndUpdateParticipant returns the participant, first refreshing it with
// the empty trigger when it has no start date or its due date has passed.
func (m *Manager) GetAndUpdateParticipant(ctx context.Context, subjectID string) (participant.Entry, error) {
	ctx, done := m.begin(ctx, OpGetAndUpdate, subjectID)
	e, err := m.getAndUpdate(ctx, subjectID)
	done(err)
	return e, err
}

func (m *Manager) getAndUpdate(ctx context.Context, subjectID string) (participant.Entry, error) {
	cur, err := m.store.GetParticipant(ctx, subjectID)
	if err != nil {
		return participant.Entry{}, err
	}
	if !cur.Stale(m.Now()) {
		return cur, nil
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("studytrack.refreshed", true))
	return m.update(ctx, subjectID, nil)
}

// UpdateLastAction records now as the participant's last action and returns
// the stored timestamp. An unknown subject is not an error; it yields the
// zero time.
func (m *Manager) UpdateLastAction(ctx context.Context, subjectID string) (time.Time, error) {
	ctx, done := m.begin(ctx, OpTouch, subjectID)
	at := m.Now()
	ok, err := m.store.TouchLastAction(ctx, subjectID, at)
	done(err)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		m.log.Warn("last action not recorded: no participant row",
			logx.String("op", OpTouch),
			logx.String("subject_id", subjectID),
		)
		return time.Time{}, nil
	}
	return at, nil
}

// CheckLogin reports whether exactly one participant row matches subjectID.
func (m *Manager) CheckLogin(ctx context.Context, subjectID string) (bool, error) {
	ctx, done := m.begin(ctx, OpCheckLogin, subjectID)
	n, err := m.store.CountParticipants(ctx, subjectID)
	if err == nil && n > 1 {
		m.log.Warn("login refused: duplicate participant rows",
			logx.String("op", OpCheckLogin),
			logx.String("subject_id", subjectID),
			logx.Int("rows", n),
		)
	}
	done(err)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ParticipantsWithAvailableQuestionnaires lists participants whose window
// contains ref and who have not yet returned the current instance.
func (m *Manager) ParticipantsWithAvailableQuestionnaires(ctx context.Context, ref time.Time) ([]string, error) {
	ctx, done := m.begin(ctx, OpListAvailable, "")
	ids, err := m.store.ListAvailable(ctx, ref)
	done(err)
	return ids, err
}

// ParticipantsWithPendingUploads lists participants whose window contains ref
// and whose captured response for the current instance is not yet sent.
func (m *Manager) ParticipantsWithPendingUploads(ctx context.Context, ref time.Time) ([]string, error) {
	ctx, done := m.begin(ctx, OpListPending, "")
	ids, err := m.store.ListPendingUploads(ctx, ref)
	done(err)
	return ids, err
}

// begin opens a span and returns the func that records the outcome.
// Failures are logged here, once.
func (m *Manager) begin(ctx context.Context, op, subjectID string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String("studytrack.op", op)}
	if subjectID != "" {
		attrs = append(attrs, attribute.String("studytrack.subject_id", subjectID))
	}
	ctx, span := m.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		took := time.Since(start)
		m.metrics.ObserveOp(op, took, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, metrics.Result(err))
			fields := []logx.Field{logx.String("op", op), logx.Duration("took", took), logx.Err(err)}
			if subjectID != "" {
				fields = append(fields, logx.String("subject_id", subjectID))
			}
			if errors.Is(err, participant.ErrNotFound) || errors.Is(err, participant.ErrInvalidTrigger) {
				m.log.Warn("lifecycle operation rejected", fields...)
			} else {
				m.log.Error("lifecycle operation failed", fields...)
			}
		}
		span.End()
	}
}
