// Package executor translates jobs into backend workflows, submits them and
// converts backend progress into job progress.
package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Step labels reported while a job runs.
const (
	StepLoading    = "Loading workflow"
	StepGenerating = "Generating"
	StepSaving     = "Saving artifacts"
	StepCompleted  = "Completed"
)

// Progress band reserved for backend execution. Values below are used by
// the worker before submission.
const (
	progressFloor = 10
	progressSpan  = 80
)

// Transitioner is the slice of the job store the adapter writes through.
type Transitioner interface {
	Transition(ctx context.Context, jobID string, from []domain.Status, to domain.Status, fields domain.Fields) (*domain.Job, error)
}

// Handle tracks one submitted execution.
type Handle struct {
	JobID       string
	Token       string
	Template    string
	ExecutionID string

	last int
}

// Event is the adapter's interpretation of one backend poll.
type Event struct {
	Progress  int
	StepLabel string
	ResultRef string
	Done      bool
	Err       error
}

type Adapter struct {
	registry      *Registry
	mapping       Mapping
	backend       Backend
	store         Transitioner
	cancelTimeout time.Duration
	logger        *slog.Logger

	wg sync.WaitGroup
}

type AdapterConfig struct {
	Mapping       Mapping
	CancelTimeout time.Duration
}

func NewAdapter(registry *Registry, backend Backend, store Transitioner, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.Mapping == nil {
		cfg.Mapping = DefaultMapping
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	return &Adapter{
		registry:      registry,
		mapping:       cfg.Mapping,
		backend:       backend,
		store:         store,
		cancelTimeout: cfg.CancelTimeout,
		logger:        logger,
	}
}

// Invoke renders the job's workflow and submits it. Template and parameter
// errors are permanent; backend errors keep their classification.
func (a *Adapter) Invoke(ctx context.Context, job *domain.Job, token string) (*Handle, error) {
	_, hasSource := job.Params.String("source_image")
	name := TemplateName(job.Kind, hasSource)

	tmpl, err := a.registry.Get(name)
	if err != nil {
		return nil, err
	}

	params, err := BuildParams(job)
	if err != nil {
		return nil, err
	}

	execID, err := a.backend.Submit(ctx, SubmitRequest{
		Template: name,
		Workflow: tmpl.Render(params, a.mapping),
		ClientID: job.ID,
	})
	if err != nil {
		return nil, asBackendError("submit", err)
	}

	a.logger.Info("Workflow submitted",
		slog.String("job_id", job.ID),
		slog.String("template", name),
		slog.String("execution_id", execID),
	)
	return &Handle{JobID: job.ID, Token: token, Template: name, ExecutionID: execID}, nil
}

// Poll reads the execution state. A returned error means the poll itself
// failed; a backend-reported failure arrives as a Done event with Err set.
func (a *Adapter) Poll(ctx context.Context, h *Handle) (Event, error) {
	st, err := a.backend.Poll(ctx, h.ExecutionID)
	if err != nil {
		return Event{}, asBackendError("poll", err)
	}

	if st.Error != "" {
		return Event{
			Done: true,
			Err:  domain.NewPermanentBackendError("generate", errors.New(domain.SanitizeDetail(st.Error))),
		}, nil
	}
	if len(st.Artifacts) > 0 {
		h.last = 100
		return Event{Done: true, Progress: 100, StepLabel: StepCompleted, ResultRef: st.Artifacts[0]}, nil
	}

	progress := max(h.last, rescale(st))
	h.last = progress

	label := st.StageLabel
	if label == "" {
		label = StepGenerating
	}
	return Event{Progress: progress, StepLabel: label}, nil
}

// rescale folds stage progress into the overall execution band.
func rescale(st *BackendStatus) int {
	stages := max(st.Stages, 1)
	stage := min(max(st.Stage, 1), stages)
	within := math.Min(math.Max(st.StageProgress, 0), 100)

	overall := (float64(stage-1)*100 + within) / float64(stages)
	return progressFloor + int(overall*progressSpan/100)
}

// Cancel moves job to Cancelled and asks the backend to stop its execution
// in the background. For a Running job the dispatch token must still match.
func (a *Adapter) Cancel(ctx context.Context, job *domain.Job, actor string) (*domain.Job, error) {
	fields := domain.Fields{Actor: actor, Reason: "cancelled by " + actor}
	if job.Status == domain.StatusRunning {
		fields.IfToken = job.DispatchToken
	}

	cancelled, err := a.store.Transition(ctx, job.ID, domain.ActiveStatuses, domain.StatusCancelled, fields)
	if err != nil {
		return nil, err
	}

	if cancelled.ExecutionID != "" {
		a.CancelExecution(ctx, cancelled.ID, cancelled.ExecutionID)
	}
	return cancelled, nil
}

// CancelExecution stops a backend execution without blocking the caller.
func (a *Adapter) CancelExecution(ctx context.Context, jobID, executionID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cancelTimeout)
		defer cancel()

		if err := a.backend.Cancel(ctx, executionID); err != nil {
			a.logger.Warn("Failed to cancel backend execution",
				slog.String("job_id", jobID),
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.Info("Backend execution cancelled",
			slog.String("job_id", jobID),
			slog.String("execution_id", executionID),
		)
	}()
}

// Wait blocks until background cancellations have finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func asBackendError(op string, err error) error {
	var backendErr *domain.ExecutionBackendError
	if errors.As(err, &backendErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewBackendError(op, err)
}

var kindDefaults = map[domain.Kind]map[string]any{
	domain.KindImage: {
		"width":     int64(1024),
		"height":    int64(1024),
		"steps":     int64(30),
		"cfg_scale": 7.0,
	},
	domain.KindVideo: {
		"num_frames":       int64(24),
		"fps":              int64(8),
		"motion_bucket_id": int64(127),
	},
	domain.KindModel3D: {
		"width":  int64(512),
		"height": int64(512),
	},
}

var integerParams = []string{
	"width", "height", "batch_size", "steps", "seed",
	"num_frames", "fps", "motion_bucket_id", "polygon_count",
}

var floatParams = []string{"cfg_scale", "denoise"}

var stringParams = []string{
	"negative_prompt", "scheduler", "sampler_name", "checkpoint", "source_image",
}

// aliases maps accepted submission names onto canonical parameter names.
var aliases = map[string][]string{
	"cfg_scale":     {"cfg_scale", "guidance_scale"},
	"num_frames":    {"num_frames", "frames"},
	"polygon_count": {"polygon_count", "face_count"},
}

// BuildParams produces the canonical parameter set for job: kind defaults,
// then submitted values, then the prompt and a seed stable per job.
func BuildParams(job *domain.Job) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range kindDefaults[job.Kind] {
		out[k] = v
	}

	lookup := func(name string) []string {
		if keys, ok := aliases[name]; ok {
			return keys
		}
		return []string{name}
	}

	for _, name := range integerParams {
		v, ok, err := job.Params.Number(lookup(name)...)
		if err != nil {
			return nil, err
		}
		if ok {
			if v != math.Trunc(v) || v < 0 {
				return nil, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidParameters, name)
			}
			out[name] = int64(v)
		}
	}
	for _, name := range floatParams {
		v, ok, err := job.Params.Number(lookup(name)...)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = v
		}
	}
	for _, name := range stringParams {
		if v, ok := job.Params.String(name); ok {
			out[name] = v
		}
	}

	out["prompt"] = job.Prompt
	if _, ok := out["seed"]; !ok {
		out["seed"] = stableSeed(job.ID)
	}
	return out, nil
}

func stableSeed(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64() & math.MaxInt64)
}
