package policy

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/cuongbtq/genjob/internal/domain"
)

// CheckKind tags a check variant. Rate checks run inside the admission
// transaction; every other kind runs before it.
type CheckKind string

const (
	PatternCheckKind  CheckKind = "pattern"
	LengthCheckKind   CheckKind = "length"
	ResourceCheckKind CheckKind = "resource"
	RateCheckKind     CheckKind = "rate"
)

// Rule names reported on rejection.
const (
	RulePromptEmpty       = "prompt_empty"
	RulePromptLength      = "prompt_length"
	RulePathTraversal     = "path_traversal"
	RuleExecutableCode    = "executable_code"
	RuleInjectionMarker   = "injection_marker"
	RuleContentRestricted = "content_restricted"
	RuleJobKind           = "job_kind"
	RulePriority          = "priority"
	RuleInvalidParameter  = "invalid_parameter"
	RuleImageDimensions   = "image_dimensions"
	RuleImageArea         = "image_area"
	RuleVideoFrames       = "video_frames"
	RuleVideoFPS          = "video_fps"
	RuleVideoDuration     = "video_duration"
	RuleModelPolygons     = "model_polygons"
	RuleFileSize          = "file_size"
	RuleAttemptLimit      = "attempt_limit"
	RuleConcurrentLimit   = "concurrent_limit"
	RuleHourlyLimit       = "hourly_limit"
	RuleDailyLimit        = "daily_limit"
)

// Input is what a check evaluates. Window is only set for rate checks.
type Input struct {
	Submission *domain.Submission
	Window     *domain.RateWindow
}

// Check is one independent admission predicate.
type Check interface {
	Kind() CheckKind
	Evaluate(in Input) *domain.AdmissionRejectedError
}

// LengthCheck rejects empty or over-long prompts, counted in characters.
type LengthCheck struct {
	Max int
}

func (LengthCheck) Kind() CheckKind { return LengthCheckKind }

func (c LengthCheck) Evaluate(in Input) *domain.AdmissionRejectedError {
	n := utf8.RuneCountInString(in.Submission.Prompt)
	if n == 0 {
		return domain.Reject(RulePromptEmpty, "prompt must not be empty")
	}
	if n > c.Max {
		return domain.Reject(RulePromptLength, "prompt exceeds maximum length of %d characters", c.Max)
	}
	return nil
}

// PatternCheck rejects prompts matching any of its patterns.
type PatternCheck struct {
	Rule     string
	Reason   string
	Patterns []*regexp.Regexp
}

func (PatternCheck) Kind() CheckKind { return PatternCheckKind }

func (c PatternCheck) Evaluate(in Input) *domain.AdmissionRejectedError {
	for _, p := range c.Patterns {
		if p.MatchString(in.Submission.Prompt) {
			return domain.Reject(c.Rule, "%s", c.Reason)
		}
	}
	return nil
}

// NewPatternCheck compiles patterns case-insensitively.
func NewPatternCheck(rule, reason string, patterns ...string) (PatternCheck, error) {
	c := PatternCheck{Rule: rule, Reason: reason}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return PatternCheck{}, fmt.Errorf("invalid pattern for rule %s: %w", rule, err)
		}
		c.Patterns = append(c.Patterns, re)
	}
	return c, nil
}

func mustPatternCheck(rule, reason string, patterns ...string) PatternCheck {
	c, err := NewPatternCheck(rule, reason, patterns...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultPatternChecks are the built-in prompt safety patterns.
func DefaultPatternChecks() []Check {
	return []Check{
		mustPatternCheck(RulePathTraversal, "prompt contains filesystem path markers",
			`^(?:/|[a-z]:\\)`, `\.\.[/\\]`),
		mustPatternCheck(RuleExecutableCode, "prompt contains executable code markers",
			`<script[^>]*>`, `\beval\s*\(`, `\bexec\s*\(`, `__import__`, `\bsubprocess\.`),
		mustPatternCheck(RuleInjectionMarker, "prompt contains injection markers",
			`\bdrop\s+table\b`, `\bdelete\s+from\b`, `\binsert\s+into\b`, `\bupdate\s+\w+\s+set\b`),
		mustPatternCheck(RuleContentRestricted, "prompt requests restricted content",
			`\b(?:impersonate|false identity|deepfake)\b`,
			`\b(?:nude|naked|explicit|sexual|erotic|xxx|porn)\b`,
			`\b(?:murder|assault|gore)\b`,
			`\b(?:racist|sexist|bigot)\b`),
	}
}

// ResourceLimits bound per-kind generation parameters.
type ResourceLimits struct {
	MaxImageWidth    int
	MaxImageHeight   int
	MaxImagePixels   int
	MaxVideoFrames   int
	MaxVideoFPS      int
	MaxVideoSeconds  float64
	MaxModelPolygons int
	MaxFileBytes     int64
	MaxAttempts      int
}

// ResourceCheck validates kind, priority and resource bounds.
type ResourceCheck struct {
	Limits ResourceLimits
}

func (ResourceCheck) Kind() CheckKind { return ResourceCheckKind }

func (c ResourceCheck) Evaluate(in Input) *domain.AdmissionRejectedError {
	sub := in.Submission
	if !sub.Kind.Valid() {
		return domain.Reject(RuleJobKind, "unsupported job kind %q", sub.Kind)
	}
	if sub.Priority < domain.MinPriority || sub.Priority > domain.MaxPriority {
		return domain.Reject(RulePriority, "priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}
	if c.Limits.MaxAttempts > 0 && sub.Attempt > c.Limits.MaxAttempts {
		return domain.Reject(RuleAttemptLimit, "job has been retried the maximum of %d times", c.Limits.MaxAttempts)
	}

	rej, err := c.evaluateParams(sub)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidParameters) {
			return domain.Reject(RuleInvalidParameter, "%s", err.Error())
		}
		return domain.Reject(RuleInvalidParameter, "invalid parameters")
	}
	return rej
}

func (c ResourceCheck) evaluateParams(sub *domain.Submission) (*domain.AdmissionRejectedError, error) {
	p := sub.Params
	l := c.Limits

	size, ok, err := p.Number("upload_size_bytes")
	if err != nil {
		return nil, err
	}
	if ok && l.MaxFileBytes > 0 && size > float64(l.MaxFileBytes) {
		return domain.Reject(RuleFileSize, "upload exceeds %d bytes", l.MaxFileBytes), nil
	}
	size, ok, err = p.Number("max_result_bytes")
	if err != nil {
		return nil, err
	}
	if ok && l.MaxFileBytes > 0 && size > float64(l.MaxFileBytes) {
		return domain.Reject(RuleFileSize, "result size exceeds %d bytes", l.MaxFileBytes), nil
	}

	switch sub.Kind {
	case domain.KindImage:
		return c.evaluateImage(p)
	case domain.KindVideo:
		return c.evaluateVideo(p)
	case domain.KindModel3D:
		polygons, ok, err := p.Number("polygon_count", "face_count")
		if err != nil {
			return nil, err
		}
		if ok && polygons > float64(l.MaxModelPolygons) {
			return domain.Reject(RuleModelPolygons, "polygon count exceeds %d", l.MaxModelPolygons), nil
		}
	}
	return nil, nil
}

func (c ResourceCheck) evaluateImage(p domain.Params) (*domain.AdmissionRejectedError, error) {
	l := c.Limits
	width, hasWidth, err := p.Number("width")
	if err != nil {
		return nil, err
	}
	height, hasHeight, err := p.Number("height")
	if err != nil {
		return nil, err
	}
	if (hasWidth && (width <= 0 || width > float64(l.MaxImageWidth))) ||
		(hasHeight && (height <= 0 || height > float64(l.MaxImageHeight))) {
		return domain.Reject(RuleImageDimensions, "image dimensions must be within %dx%d", l.MaxImageWidth, l.MaxImageHeight), nil
	}
	if hasWidth && hasHeight && width*height > float64(l.MaxImagePixels) {
		return domain.Reject(RuleImageArea, "image area exceeds %d pixels", l.MaxImagePixels), nil
	}
	return nil, nil
}

func (c ResourceCheck) evaluateVideo(p domain.Params) (*domain.AdmissionRejectedError, error) {
	l := c.Limits
	frames, hasFrames, err := p.Number("num_frames", "frames")
	if err != nil {
		return nil, err
	}
	fps, hasFPS, err := p.Number("fps")
	if err != nil {
		return nil, err
	}
	duration, hasDuration, err := p.Number("duration_seconds")
	if err != nil {
		return nil, err
	}

	if hasFrames && (frames <= 0 || frames > float64(l.MaxVideoFrames)) {
		return domain.Reject(RuleVideoFrames, "frame count must be between 1 and %d", l.MaxVideoFrames), nil
	}
	if hasFPS && (fps <= 0 || fps > float64(l.MaxVideoFPS)) {
		return domain.Reject(RuleVideoFPS, "fps must be between 1 and %d", l.MaxVideoFPS), nil
	}
	if !hasDuration && hasFrames && hasFPS {
		duration, hasDuration = frames/fps, true
	}
	if hasDuration && duration > l.MaxVideoSeconds {
		return domain.Reject(RuleVideoDuration, "video duration exceeds %.0f seconds", l.MaxVideoSeconds), nil
	}
	return nil, nil
}

// RateLimits are the per-owner admission limits.
type RateLimits struct {
	Concurrent int
	Hourly     int
	Daily      int
}

// RateCheck compares one counter of the owner's window against a limit.
type RateCheck struct {
	Rule   string
	Limit  int
	Reason string
	Count  func(w *domain.RateWindow) int
}

func (RateCheck) Kind() CheckKind { return RateCheckKind }

func (c RateCheck) Evaluate(in Input) *domain.AdmissionRejectedError {
	if in.Window == nil || c.Limit <= 0 {
		return nil
	}
	if c.Count(in.Window) >= c.Limit {
		return domain.Reject(c.Rule, c.Reason, c.Limit)
	}
	return nil
}

// DefaultRateChecks checks concurrent, hourly then daily counters.
func DefaultRateChecks(l RateLimits) []Check {
	return []Check{
		RateCheck{
			Rule: RuleConcurrentLimit, Limit: l.Concurrent,
			Reason: "maximum of %d concurrent jobs reached",
			Count:  func(w *domain.RateWindow) int { return w.Concurrent },
		},
		RateCheck{
			Rule: RuleHourlyLimit, Limit: l.Hourly,
			Reason: "maximum of %d jobs per hour reached",
			Count:  func(w *domain.RateWindow) int { return w.HourCount },
		},
		RateCheck{
			Rule: RuleDailyLimit, Limit: l.Daily,
			Reason: "maximum of %d jobs per day reached",
			Count:  func(w *domain.RateWindow) int { return w.DayCount },
		},
	}
}
