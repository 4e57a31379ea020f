package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Admitter creates a job atomically with its owner's rate window. check is
// invoked inside the transaction with the locked, rolled window; a non-nil
// error aborts the admission with no job and no counter change.
type Admitter interface {
	Admit(ctx context.Context, job *domain.Job, check func(w *domain.RateWindow) error) (*domain.Job, error)
}

// Config configures the built-in check pipeline.
type Config struct {
	MaxPromptLength int
	ExtraPatterns   map[string][]string
	Resources       ResourceLimits
	Rates           RateLimits
	MaxRetries      int
}

// Gate admits submissions through an ordered pipeline of checks.
type Gate struct {
	checks     []Check
	store      Admitter
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate builds the default pipeline: length, patterns, resources, rates.
func NewGate(cfg Config, store Admitter, logger *slog.Logger) (*Gate, error) {
	checks := []Check{LengthCheck{Max: cfg.MaxPromptLength}}
	checks = append(checks, DefaultPatternChecks()...)
	for _, rule := range slices.Sorted(maps.Keys(cfg.ExtraPatterns)) {
		c, err := NewPatternCheck(rule, "prompt matches a disallowed pattern", cfg.ExtraPatterns[rule]...)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	checks = append(checks, ResourceCheck{Limits: cfg.Resources})
	checks = append(checks, DefaultRateChecks(cfg.Rates)...)

	return NewGateWithChecks(checks, store, cfg.MaxRetries, logger), nil
}

// NewGateWithChecks builds a gate over an explicit pipeline.
func NewGateWithChecks(checks []Check, store Admitter, maxRetries int, logger *slog.Logger) *Gate {
	return &Gate{
		checks:     checks,
		store:      store,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// Admit normalizes the prompt, runs the pipeline and on success creates a
// Pending job. Rejections are returned as *domain.AdmissionRejectedError.
func (g *Gate) Admit(ctx context.Context, sub domain.Submission) (*domain.Job, error) {
	sub.Prompt = Normalize(sub.Prompt)
	if sub.Attempt < 1 {
		sub.Attempt = 1
	}

	in := Input{Submission: &sub}
	var rateChecks []Check
	for _, c := range g.checks {
		if c.Kind() == RateCheckKind {
			rateChecks = append(rateChecks, c)
			continue
		}
		if rej := c.Evaluate(in); rej != nil {
			g.logRejection(sub, rej)
			return nil, rej
		}
	}

	now := g.now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		OwnerID:     sub.OwnerID,
		ProjectID:   sub.ProjectID,
		Kind:        sub.Kind,
		Prompt:      sub.Prompt,
		Params:      sub.Params.Clone(),
		Priority:    sub.Priority,
		SubmittedAt: now,
		UpdatedAt:   now,
		Status:      domain.StatusPending,
		MaxRetries:  g.maxRetries,
		Attempt:     sub.Attempt,
		RetriedFrom: sub.RetriedFrom,
		Version:     1,
	}
	if job.Params == nil {
		job.Params = domain.Params{}
	}

	created, err := g.store.Admit(ctx, job, func(w *domain.RateWindow) error {
		rin := Input{Submission: &sub, Window: w}
		for _, c := range rateChecks {
			if rej := c.Evaluate(rin); rej != nil {
				return rej
			}
		}
		return nil
	})
	if err != nil {
		var rej *domain.AdmissionRejectedError
		if errors.As(err, &rej) {
			g.logRejection(sub, rej)
			return nil, rej
		}
		return nil, fmt.Errorf("failed to admit job: %w", err)
	}

	g.logger.Info("Job admitted",
		slog.String("job_id", created.ID),
		slog.String("owner_id", created.OwnerID),
		slog.String("kind", string(created.Kind)),
		slog.Int("attempt", created.Attempt),
	)
	return created, nil
}

func (g *Gate) logRejection(sub domain.Submission, rej *domain.AdmissionRejectedError) {
	g.logger.Info("Submission rejected",
		slog.String("owner_id", sub.OwnerID),
		slog.String("kind", string(sub.Kind)),
		slog.String("rule", rej.Rule),
		slog.String("reason", rej.Reason),
	)
}
