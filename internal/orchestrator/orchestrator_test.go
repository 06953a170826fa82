package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen/internal/audit"
	"imagegen/internal/domain"
	"imagegen/internal/metrics"
	"imagegen/internal/providers/image"
	"imagegen/internal/queue"
	"imagegen/internal/ratelimit"
)

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
	order   []domain.Backend
	gate    chan struct{}
	started chan string
	err     error
}

func (g *stubGenerator) Generate(ctx context.Context, backend domain.Backend, prompt string) (image.Artifact, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.order = append(g.order, backend)
	g.mu.Unlock()
	if g.started != nil {
		g.started <- prompt
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return image.Artifact{}, &domain.Error{Kind: domain.KindCanceled, Err: ctx.Err()}
		}
	}
	if g.err != nil {
		return image.Artifact{}, g.err
	}
	return image.Artifact{Path: "/tmp/image_" + backend.String() + ".png", ContentType: "image/png", Size: 4, Backend: backend, Attempts: 1}, nil
}

func (g *stubGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type upperEnhancer struct{}

func (upperEnhancer) Enhance(_ context.Context, prompt string) string {
	return strings.ToUpper(prompt) + ", detailed"
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *memoryRecorder) Record(_ context.Context, rec audit.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *memoryRecorder) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

type denyLimiter struct{ retryAfter time.Duration }

func (d denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: d.retryAfter}, nil
}

type fixedCountry string

func (f fixedCountry) CountryCode(string) (string, error) { return string(f), nil }

type removedPaths struct {
	mu    sync.Mutex
	paths []string
}

func (r *removedPaths) Remove(path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	return nil
}

func newOrchestrator(t *testing.T, gen image.Generator, mutate func(*Options)) (*Orchestrator, *queue.Manager, *memoryRecorder) {
	t.Helper()
	q := queue.NewManager()
	rec := &memoryRecorder{}
	opts := Options{
		Queue:        q,
		Enhancer:     upperEnhancer{},
		Generator:    gen,
		Recorder:     rec,
		Countries:    fixedCountry("ID"),
		Metrics:      metrics.New(prometheus.NewRegistry()),
		PollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o, q, rec
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(out))
			return nil
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func queueIsEmpty(q *queue.Manager) bool {
	for _, s := range q.Stats() {
		if s.Tracked != 0 || s.Processing {
			return false
		}
	}
	return true
}

func TestSubmitDeliversEnhancedArtifact(t *testing.T) {
	gen := &stubGenerator{}
	o, q, rec := newOrchestrator(t, gen, nil)

	events, err := o.Submit(context.Background(), Submission{Backend: "Fast", Prompt: "  a red   fox ", CallerID: "alice", ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, []EventKind{EventQueued, EventEnhancing, EventGenerating, EventCompleted}, kinds(got))
	last := got[len(got)-1]
	require.NotNil(t, last.Artifact)
	assert.Equal(t, "/tmp/image_fast.png", last.Artifact.Path)
	assert.Equal(t, "A RED FOX, detailed", last.Prompt)
	assert.Equal(t, []string{"A RED FOX, detailed"}, gen.calls())
	assert.Equal(t, 1, got[0].Position)
	for _, ev := range got {
		assert.Equal(t, got[0].RequestID, ev.RequestID)
		assert.Equal(t, domain.BackendFast, ev.Backend)
	}

	assert.True(t, queueIsEmpty(q), "terminal requests are removed after delivery")
	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusCompleted, records[0].Status)
	assert.Equal(t, "a red fox", records[0].OriginalPrompt)
	assert.Equal(t, "A RED FOX, detailed", records[0].EnhancedPrompt)
	assert.Equal(t, "ID", records[0].OriginCountry)
	assert.Empty(t, records[0].ErrorKind)
}

func TestSubmitRejectsInvalidInputBeforeAdmission(t *testing.T) {
	tests := []struct {
		name   string
		sub    Submission
		target error
	}{
		{"unknown backend", Submission{Backend: "turbo", Prompt: "cat", CallerID: "a"}, domain.ErrUnknownBackend},
		{"empty prompt", Submission{Backend: "fast", Prompt: " \n\t ", CallerID: "a"}, domain.ErrEmptyPrompt},
		{"prompt too long", Submission{Backend: "fast", Prompt: strings.Repeat("a", 1001), CallerID: "a"}, domain.ErrPromptTooLong},
		{"missing caller", Submission{Backend: "fast", Prompt: "cat"}, nil},
		{"bad client ip", Submission{Backend: "fast", Prompt: "cat", CallerID: "a", ClientIP: "not-an-ip"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gen := &stubGenerator{}
			o, q, rec := newOrchestrator(t, gen, nil)

			events, err := o.Submit(context.Background(), tc.sub)
			require.Error(t, err)
			assert.Nil(t, events)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
			}
			assert.True(t, queueIsEmpty(q))
			assert.Empty(t, gen.calls())
			assert.Empty(t, rec.all())
		})
	}
}

func TestSubmitAcceptsPromptAtLimit(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubGenerator{}, nil)
	events, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: strings.Repeat("a", 1000), CallerID: "a"})
	require.NoError(t, err)
	got := drain(t, events)
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind)
}

func TestSubmitRateLimited(t *testing.T) {
	gen := &stubGenerator{}
	o, q, _ := newOrchestrator(t, gen, func(opts *Options) {
		opts.Limiter = denyLimiter{retryAfter: 12 * time.Second}
	})

	_, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "cat", CallerID: "alice"})
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	assert.Equal(t, 12*time.Second, domain.RetryAfterOf(err))
	assert.Contains(t, CallerMessage(err), "12 seconds")
	assert.True(t, queueIsEmpty(q))
	assert.Empty(t, gen.calls())
}

func TestSubmitWithMemoryLimiter(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubGenerator{}, func(opts *Options) {
		opts.Limiter = ratelimit.NewMemoryLimiter(1, time.Hour)
	})
	events, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "cat", CallerID: "alice"})
	require.NoError(t, err)
	drain(t, events)

	_, err = o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "cat", CallerID: "alice"})
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))

	events, err = o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "cat", CallerID: "bob"})
	require.NoError(t, err)
	drain(t, events)
}

func TestGenerationFailureReleasesBackend(t *testing.T) {
	gen := &stubGenerator{err: &domain.Error{Kind: domain.KindBackendServer, StatusCode: 503, Message: "upstream said: secret-token-xyz"}}
	o, q, rec := newOrchestrator(t, gen, nil)

	events, err := o.Submit(context.Background(), Submission{Backend: "quality", Prompt: "cat", CallerID: "alice"})
	require.NoError(t, err)
	got := drain(t, events)

	last := got[len(got)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, domain.KindBackendServer, last.ErrorKind)
	assert.NotContains(t, last.Message, "secret-token-xyz")
	assert.Equal(t, CallerMessage(gen.err), last.Message)
	assert.True(t, queueIsEmpty(q))

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusFailed, records[0].Status)
	assert.Equal(t, domain.KindBackendServer, records[0].ErrorKind)

	// the backend is usable again
	gen.mu.Lock()
	gen.err = nil
	gen.mu.Unlock()
	events, err = o.Submit(context.Background(), Submission{Backend: "quality", Prompt: "dog", CallerID: "alice"})
	require.NoError(t, err)
	got = drain(t, events)
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind)
}

func TestRequestsRunInArrivalOrderPerBackend(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	o, q, _ := newOrchestrator(t, gen, func(opts *Options) { opts.Enhancer = nil })

	first, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "first", CallerID: "a"})
	require.NoError(t, err)
	require.Equal(t, "first", <-gen.started)

	second, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "second", CallerID: "b"})
	require.NoError(t, err)
	third, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "third", CallerID: "c"})
	require.NoError(t, err)

	// another backend is not held up by the busy one
	other, err := o.Submit(context.Background(), Submission{Backend: "quality", Prompt: "other", CallerID: "d"})
	require.NoError(t, err)
	require.Equal(t, "other", <-gen.started)

	require.Eventually(t, func() bool {
		for _, s := range q.Stats() {
			if s.Backend == domain.BackendFast {
				return s.Pending == 2 && s.Processing
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(gen.gate)
	for _, ch := range []<-chan Event{first, second, third, other} {
		got := drain(t, ch)
		assert.Equal(t, EventCompleted, got[len(got)-1].Kind)
	}
	calls := gen.calls()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"first", "other", "second", "third"}, calls)
}

func TestWaitingRequestReportsPositionChanges(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	o, _, _ := newOrchestrator(t, gen, func(opts *Options) { opts.Enhancer = nil })

	first, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "first", CallerID: "a"})
	require.NoError(t, err)
	<-gen.started
	second, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "second", CallerID: "b"})
	require.NoError(t, err)
	third, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "third", CallerID: "c"})
	require.NoError(t, err)

	queued := <-third
	assert.Equal(t, EventQueued, queued.Kind)
	assert.Equal(t, 2, queued.Position)

	gen.gate <- struct{}{} // release first
	<-gen.started          // second is generating

	ev := <-third
	assert.Equal(t, EventPosition, ev.Kind)
	assert.Equal(t, 1, ev.Position)

	close(gen.gate)
	drain(t, first)
	drain(t, second)
	drain(t, third)
}

func TestSilentCallerDoesNotStallBackend(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), started: make(chan string, 16)}
	o, q, _ := newOrchestrator(t, gen, func(opts *Options) {
		opts.Enhancer = nil
		opts.EventBuffer = 2
	})
	next := func() string {
		select {
		case p := <-gen.started:
			return p
		case <-time.After(2 * time.Second):
			t.Fatalf("backend stalled, calls so far: %v, stats: %+v", gen.calls(), q.Stats())
			return ""
		}
	}

	submit := func(prompt string) <-chan Event {
		events, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: prompt, CallerID: prompt})
		require.NoError(t, err)
		return events
	}
	head := submit("head")
	require.Equal(t, "head", next())

	var ahead []<-chan Event
	for _, p := range []string{"a0", "a1", "a2"} {
		ahead = append(ahead, submit(p))
	}
	// connected but never reads until the end
	silent := submit("silent")
	tail := submit("tail")

	for _, want := range []string{"a0", "a1", "a2", "silent", "tail"} {
		gen.gate <- struct{}{}
		require.Equal(t, want, next())
	}
	gen.gate <- struct{}{}

	got := drain(t, tail)
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind)

	got = drain(t, silent)
	assert.LessOrEqual(t, len(got), 3, "status updates beyond the buffer are dropped")
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind, "the terminal event is still delivered")

	for _, ch := range append(ahead, head) {
		got := drain(t, ch)
		assert.Equal(t, EventCompleted, got[len(got)-1].Kind)
	}
	assert.True(t, queueIsEmpty(q))
}

func TestCanceledWaitingRequestIsAbandoned(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	o, q, rec := newOrchestrator(t, gen, func(opts *Options) { opts.Enhancer = nil })

	first, err := o.Submit(context.Background(), Submission{Backend: "fast", Prompt: "first", CallerID: "a"})
	require.NoError(t, err)
	<-gen.started

	ctx, cancel := context.WithCancel(context.Background())
	waiting, err := o.Submit(ctx, Submission{Backend: "fast", Prompt: "waiting", CallerID: "b"})
	require.NoError(t, err)
	cancel()
	drain(t, waiting)

	require.Eventually(t, func() bool {
		for _, s := range q.Stats() {
			if s.Backend == domain.BackendFast {
				return s.Pending == 0
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(gen.gate)
	drain(t, first)
	assert.Equal(t, []string{"first"}, gen.calls(), "abandoned request never reaches the backend")
	assert.True(t, queueIsEmpty(q))

	var canceled int
	for _, r := range rec.all() {
		if r.ErrorKind == domain.KindCanceled {
			canceled++
		}
	}
	assert.Equal(t, 1, canceled)
}

func TestCanceledProcessingRequestReleasesSlot(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	removed := &removedPaths{}
	o, q, _ := newOrchestrator(t, gen, func(opts *Options) {
		opts.Enhancer = nil
		opts.Artifacts = removed
	})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.Submit(ctx, Submission{Backend: "fast", Prompt: "slow", CallerID: "a"})
	require.NoError(t, err)
	<-gen.started
	cancel()
	drain(t, events)

	require.Eventually(t, func() bool { return queueIsEmpty(q) }, time.Second, 5*time.Millisecond)
}

func TestUndeliveredArtifactIsRemoved(t *testing.T) {
	removed := &removedPaths{}
	o, _, _ := newOrchestrator(t, &stubGenerator{}, func(opts *Options) {
		opts.Artifacts = removed
		opts.Enhancer = cancelingEnhancer{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := o.Submit(context.WithValue(ctx, cancelKey{}, cancel), Submission{Backend: "fast", Prompt: "cat", CallerID: "a"})
	require.NoError(t, err)
	drain(t, events)

	require.Eventually(t, func() bool {
		removed.mu.Lock()
		defer removed.mu.Unlock()
		return len(removed.paths) == 1
	}, time.Second, 5*time.Millisecond)
}

type cancelKey struct{}

// cancelingEnhancer simulates the caller going away after enhancement.
type cancelingEnhancer struct{}

func (cancelingEnhancer) Enhance(ctx context.Context, prompt string) string {
	if cancel, ok := ctx.Value(cancelKey{}).(context.CancelFunc); ok {
		cancel()
	}
	return prompt
}

func TestNewRequiresQueueAndGenerator(t *testing.T) {
	_, err := New(Options{Generator: &stubGenerator{}})
	assert.Error(t, err)
	_, err = New(Options{Queue: queue.NewManager()})
	assert.Error(t, err)
}

func TestCallerMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&domain.Error{Kind: domain.KindValidation, Err: domain.ErrUnknownBackend}, "Unknown backend. Choose one of: fast, quality."},
		{&domain.Error{Kind: domain.KindValidation, Err: domain.ErrEmptyPrompt}, "Please describe the image you want."},
		{&domain.Error{Kind: domain.KindRateLimited, RetryAfter: 1500 * time.Millisecond}, "You are sending requests too quickly. Try again in 2 seconds."},
		{&domain.Error{Kind: domain.KindBackendRateLimited}, "The image service is busy right now. Please wait a moment."},
		{&domain.Error{Kind: domain.KindAuthentication, Message: "token abc123 rejected"}, "The image service rejected our credentials. Please contact the operator."},
		{errors.New("boom"), "Something went wrong while generating your image."},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CallerMessage(tc.err))
	}
	assert.Empty(t, CallerMessage(nil))
}
