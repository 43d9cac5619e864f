package settlement

import (
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
)

const (
	// DefaultCandidateWindow is how far from the value date an open batch may
	// have been collected and still be a match candidate.
	DefaultCandidateWindow = 5 * 24 * time.Hour

	defaultActor = "settlement"
)

type settings struct {
	recorder  audit.Recorder
	tolerance money.Tolerance
	window    time.Duration
	actor     string
	now       func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{
		tolerance: money.DefaultTolerance(money.EUR),
		window:    DefaultCandidateWindow,
		actor:     defaultActor,
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return s
}

// Option configures a Validator or a Settler.
type Option func(*settings)

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithTolerance sets the amount tolerance.
func WithTolerance(t money.Tolerance) Option {
	return func(s *settings) { s.tolerance = t }
}

// WithCandidateWindow sets the value date window for open batch candidates.
func WithCandidateWindow(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithActor sets the actor stamped on payment entries and audit events.
func WithActor(actor string) Option {
	return func(s *settings) {
		if actor != "" {
			s.actor = actor
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}
