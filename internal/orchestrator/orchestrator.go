// Package orchestrator drives a generation request from submission to a
// delivered artifact or a caller-safe failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"imagegen/internal/audit"
	"imagegen/internal/domain"
	"imagegen/internal/infra"
	"imagegen/internal/infra/geoip"
	"imagegen/internal/metrics"
	"imagegen/internal/providers/image"
	"imagegen/internal/queue"
	"imagegen/internal/ratelimit"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultEventBuffer  = 16
	auditTimeout        = 5 * time.Second
)

// Submission is a caller's generate(backend, prompt) command.
type Submission struct {
	Backend  string
	Prompt   string
	CallerID string `validate:"required,max=256"`
	ClientIP string `validate:"omitempty,ip"`
	// Country overrides the GeoIP lookup on ClientIP when already known.
	Country string `validate:"omitempty,len=2,alpha"`
}

// Enhancer rewrites a prompt. It must always return usable text.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) string
}

// ArtifactRemover deletes artifacts the caller never received.
type ArtifactRemover interface {
	Remove(path string) error
}

type Options struct {
	Queue           *queue.Manager
	Enhancer        Enhancer
	Generator       image.Generator
	Limiter         ratelimit.Limiter
	Recorder        audit.Recorder
	Countries       geoip.CountryResolver
	Artifacts       ArtifactRemover
	Metrics         *metrics.Metrics
	Logger          *infra.Logger
	MaxPromptLength int
	PollInterval    time.Duration
	EventBuffer     int
}

type Orchestrator struct {
	queue     *queue.Manager
	enhancer  Enhancer
	generator image.Generator
	limiter   ratelimit.Limiter
	recorder  audit.Recorder
	countries geoip.CountryResolver
	artifacts ArtifactRemover
	metrics   *metrics.Metrics
	logger    *infra.Logger
	maxLen    int
	poll      time.Duration
	buffer    int
	validate  *validator.Validate
	now       func() time.Time
}

type passthrough struct{}

func (passthrough) Enhance(_ context.Context, prompt string) string { return prompt }

func New(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil {
		return nil, errors.New("orchestrator: queue manager is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("orchestrator: generator is required")
	}
	o := &Orchestrator{
		queue:     opts.Queue,
		enhancer:  opts.Enhancer,
		generator: opts.Generator,
		limiter:   opts.Limiter,
		recorder:  opts.Recorder,
		countries: opts.Countries,
		artifacts: opts.Artifacts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		maxLen:    opts.MaxPromptLength,
		poll:      opts.PollInterval,
		buffer:    opts.EventBuffer,
		validate:  validator.New(),
		now:       time.Now,
	}
	if o.enhancer == nil {
		o.enhancer = passthrough{}
	}
	if o.limiter == nil {
		o.limiter = ratelimit.Unlimited{}
	}
	if o.recorder == nil {
		o.recorder = audit.NopRecorder{}
	}
	if o.logger == nil {
		o.logger = infra.NopLogger()
	}
	if o.maxLen <= 0 {
		o.maxLen = domain.DefaultMaxPromptLength
	}
	if o.poll <= 0 {
		o.poll = defaultPollInterval
	}
	if o.buffer <= 0 {
		o.buffer = defaultEventBuffer
	}
	return o, nil
}

// Submit validates and rate-checks sub, then admits it and returns the event
// stream. Validation and rate-limit rejections are returned as errors and
// leave no trace in the queue. The stream ends with exactly one terminal
// event unless ctx is canceled first, and is closed afterwards. Canceling ctx
// abandons a waiting request and aborts an in-flight generation.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (<-chan Event, error) {
	backend, prompt, err := o.check(sub)
	if err != nil {
		return nil, err
	}

	decision, err := o.limiter.Allow(ctx, sub.CallerID)
	if err != nil {
		o.logger.Warn().Err(err).Str("caller_id", sub.CallerID).Msg("rate limiter error, admitting request")
		o.metrics.RateLimiterError()
	} else if !decision.Allowed {
		o.metrics.RateLimited()
		return nil, &domain.Error{
			Kind:       domain.KindRateLimited,
			Message:    "caller exceeded request quota",
			RetryAfter: decision.RetryAfter,
		}
	}

	id, err := o.queue.Admit(backend, prompt, sub.CallerID)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, err, "admit request")
	}
	pos, _ := o.queue.QueuePosition(id, backend)

	events := make(chan Event, o.buffer)
	events <- Event{
		Kind:      EventQueued,
		RequestID: id,
		Backend:   backend,
		Position:  pos,
		Message:   "Request queued. " + positionMessage(pos),
		At:        o.now(),
	}

	r := &run{
		o:        o,
		ctx:      ctx,
		id:       id,
		backend:  backend,
		prompt:   prompt,
		clientIP: sub.ClientIP,
		country:  sub.Country,
		events:   events,
		log: o.logger.With().
			Str("request_id", id).
			Str("backend", backend.String()).
			Str("caller_id", sub.CallerID).
			Logger(),
	}
	go r.execute(pos)
	return events, nil
}

func (o *Orchestrator) check(sub Submission) (domain.Backend, string, error) {
	if err := o.validate.Struct(sub); err != nil {
		return "", "", &domain.Error{Kind: domain.KindValidation, Message: "invalid submission", Err: err}
	}
	backend, err := domain.ParseBackend(sub.Backend)
	if err != nil {
		return "", "", err
	}
	prompt, err := domain.SanitizePrompt(sub.Prompt, o.maxLen)
	if err != nil {
		return "", "", err
	}
	return backend, prompt, nil
}

// run is the lifetime of one admitted request.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	id       string
	backend  domain.Backend
	prompt   string
	clientIP string
	country  string
	events   chan Event
	log      infra.Logger
}

func (r *run) execute(initialPos int) {
	defer close(r.events)

	if err := r.waitForTurn(initialPos); err != nil {
		r.abandoned(err)
		return
	}

	var (
		art image.Artifact
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = &domain.Error{Kind: domain.KindInternal, Message: fmt.Sprintf("panic: %v", p)}
			}
		}()
		art, err = r.process()
	}()

	if err != nil {
		r.failed(err)
		return
	}
	r.completed(art)
}

// waitForTurn polls for the backend slot, waking early whenever the backend
// queue changes.
func (r *run) waitForTurn(lastPos int) error {
	ticker := time.NewTicker(r.o.poll)
	defer ticker.Stop()
	for {
		changed := r.o.queue.Changed(r.backend)
		if r.o.queue.TryStartProcessing(r.id, r.backend) {
			return nil
		}
		pos, ok := r.o.queue.QueuePosition(r.id, r.backend)
		if !ok {
			return &domain.Error{Kind: domain.KindInternal, Message: "request left the queue while waiting", Err: queue.ErrNotFound}
		}
		// lastPos only advances once delivered, so a full buffer is retried
		// with the newest position on the next pass.
		if pos != lastPos && r.progress(Event{Kind: EventPosition, Position: pos, Message: positionMessage(pos)}) {
			lastPos = pos
		}
		select {
		case <-r.ctx.Done():
			return &domain.Error{Kind: domain.KindCanceled, Message: "caller left while waiting", Err: r.ctx.Err()}
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (r *run) process() (image.Artifact, error) {
	r.progress(Event{Kind: EventEnhancing, Message: "Enhancing your prompt."})
	enhanced := r.o.enhancer.Enhance(r.ctx, r.prompt)
	if enhanced == "" {
		enhanced = r.prompt
	}
	if err := r.o.queue.SetEnhancedPrompt(r.id, enhanced); err != nil {
		return image.Artifact{}, domain.NewError(domain.KindInternal, err, "record enhanced prompt")
	}

	r.progress(Event{Kind: EventGenerating, Prompt: enhanced, Message: "Generating your image with the " + r.backend.String() + " backend."})
	art, err := r.o.generator.Generate(r.ctx, r.backend, enhanced)
	if err != nil {
		return image.Artifact{}, err
	}
	if err := r.o.queue.MarkCompleted(r.id, art.Path); err != nil {
		r.discard(art.Path)
		return image.Artifact{}, domain.NewError(domain.KindInternal, err, "mark completed")
	}
	return art, nil
}

func (r *run) completed(art image.Artifact) {
	req, _ := r.o.queue.Get(r.id)
	r.log.Info().Int("attempts", art.Attempts).Dur("elapsed", req.Duration()).Msg("generation completed")
	r.finish(req, nil)
	r.forget()

	delivered := r.emit(Event{
		Kind:     EventCompleted,
		Prompt:   req.PromptUsed(),
		Artifact: &art,
		Message:  "Here is your image.",
	})
	if !delivered {
		r.discard(art.Path)
	}
}

func (r *run) failed(cause error) {
	if err := r.o.queue.MarkFailed(r.id, cause.Error()); err != nil {
		r.log.Error().Err(err).Msg("mark failed")
	}
	req, _ := r.o.queue.Get(r.id)
	r.log.Warn().Err(cause).Str("kind", string(domain.KindOf(cause))).Msg("generation failed")
	r.finish(req, cause)
	r.forget()

	r.emit(Event{
		Kind:       EventFailed,
		Message:    CallerMessage(cause),
		ErrorKind:  domain.KindOf(cause),
		RetryAfter: domain.RetryAfterOf(cause),
	})
}

// abandoned handles a request that never got its turn. The queue entry is
// dropped outright so it holds no position.
func (r *run) abandoned(cause error) {
	req, _ := r.o.queue.Get(r.id)
	if !r.o.queue.Abandon(r.id) {
		r.failed(cause)
		return
	}
	r.log.Info().Str("kind", string(domain.KindOf(cause))).Msg("request abandoned before processing")
	req.Status = domain.StatusFailed
	req.ErrorDetail = cause.Error()
	req.FinishedAt = r.o.now()
	r.finish(req, cause)
	r.emit(Event{Kind: EventFailed, Message: CallerMessage(cause), ErrorKind: domain.KindOf(cause)})
}

func (r *run) finish(req domain.GenerationRequest, cause error) {
	r.o.metrics.Result(r.backend, req.Status, req.Duration())

	country := r.country
	if country == "" && r.o.countries != nil && r.clientIP != "" {
		if code, err := r.o.countries.CountryCode(r.clientIP); err == nil {
			country = code
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), auditTimeout)
	defer cancel()
	if err := r.o.recorder.Record(ctx, audit.FromRequest(req, country, cause)); err != nil {
		r.log.Error().Err(err).Msg("audit record failed")
	}
}

func (r *run) forget() {
	if err := r.o.queue.Remove(r.id); err != nil && !errors.Is(err, queue.ErrNotFound) {
		r.log.Error().Err(err).Msg("remove request")
	}
}

func (r *run) discard(path string) {
	if r.o.artifacts == nil || path == "" {
		return
	}
	if err := r.o.artifacts.Remove(path); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("remove undelivered artifact")
	}
}

// progress offers a status update without waiting. A caller that stops
// reading must not hold up the queue, so updates that do not fit in the
// buffer are dropped.
func (r *run) progress(ev Event) bool {
	r.stamp(&ev)
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.events <- ev:
		return true
	default:
		r.log.Debug().Str("event", string(ev.Kind)).Msg("event buffer full, status update dropped")
		return false
	}
}

// emit delivers a terminal event, waiting until the caller reads it or
// goes away. By then the backend slot has already been released.
func (r *run) emit(ev Event) bool {
	r.stamp(&ev)
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) stamp(ev *Event) {
	ev.RequestID = r.id
	ev.Backend = r.backend
	ev.At = r.o.now()
}
