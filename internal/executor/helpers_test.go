package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/retry"
	"github.com/harrison/seqbench/internal/store"
)

// interval is the wall time of one provider call.
type interval struct {
	start, end time.Time
}

// callLog records every call made through fakeClients, per provider.
type callLog struct {
	mu        sync.Mutex
	inFlight  map[string]int
	maxFlight map[string]int
	intervals map[string][]interval
	prompts   map[string][]string // by model
}

func newCallLog() *callLog {
	return &callLog{
		inFlight:  make(map[string]int),
		maxFlight: make(map[string]int),
		intervals: make(map[string][]interval),
		prompts:   make(map[string][]string),
	}
}

func (l *callLog) enter(provider, model, prompt string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[provider]++
	if l.inFlight[provider] > l.maxFlight[provider] {
		l.maxFlight[provider] = l.inFlight[provider]
	}
	l.prompts[model] = append(l.prompts[model], prompt)
	return time.Now()
}

func (l *callLog) exit(provider string, start time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[provider]--
	l.intervals[provider] = append(l.intervals[provider], interval{start: start, end: time.Now()})
}

func (l *callLog) calls(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts[model])
}

// lastLine returns the step prompt at the end of a composed prompt.
func lastLine(prompt string) string {
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		return prompt[i+1:]
	}
	return prompt
}

// responseFor is the deterministic response fakeClient returns.
func responseFor(model, prompt string) string {
	return fmt.Sprintf("answer from %s to %s.", model, lastLine(prompt))
}

// fakeClient answers deterministically after an optional delay. fail, when
// set, can inject an error for a given call number (1-indexed) and prompt.
type fakeClient struct {
	provider string
	model    string
	delay    time.Duration
	log      *callLog
	fail     func(call int, prompt string) error

	mu    sync.Mutex
	count int
}

func (c *fakeClient) Generate(ctx context.Context, prompt string, params llm.Params) (llm.Response, error) {
	c.mu.Lock()
	c.count++
	call := c.count
	c.mu.Unlock()

	start := c.log.enter(c.provider, c.model, prompt)
	defer c.log.exit(c.provider, start)

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if c.fail != nil {
		if err := c.fail(call, prompt); err != nil {
			return llm.Response{}, err
		}
	}
	return llm.Response{
		Text:  responseFor(c.model, prompt),
		Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

// countingStore wraps a store, counting upserts per key and optionally
// failing them.
type countingStore struct {
	store.ProgressStore

	mu      sync.Mutex
	upserts map[string]int
	failErr error
}

func newCountingStore() *countingStore {
	return &countingStore{ProgressStore: store.NewMemoryStore(), upserts: make(map[string]int)}
}

func (s *countingStore) UpsertStepResult(ctx context.Context, r *models.StepResult) error {
	s.mu.Lock()
	failErr := s.failErr
	if failErr == nil {
		s.upserts[fmt.Sprintf("%s#%d", r.Task.Key(), r.StepIndex)]++
	}
	s.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	return s.ProgressStore.UpsertStepResult(ctx, r)
}

func (s *countingStore) upsertsFor(task models.Task, step int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[fmt.Sprintf("%s#%d", task.Key(), step)]
}

func (s *countingStore) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

var errDiskFull = errors.New("disk full")

// recordingSleeper records backoff delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func makeSequence(name string, steps int) models.Sequence {
	seq := models.Sequence{Name: name}
	for i := 0; i < steps; i++ {
		seq.Steps = append(seq.Steps, models.PromptStep{
			Index:  i,
			Name:   fmt.Sprintf("%s step %d", name, i),
			Prompt: fmt.Sprintf("%s prompt %d", name, i),
		})
	}
	return seq
}

// harness assembles a runner from fake collaborators.
type harness struct {
	cfg      RunnerConfig
	log      *callLog
	store    *countingStore
	sleeper  *recordingSleeper
	recorder *Recorder
	clients  map[string]*fakeClient
}

func newHarness(t *testing.T, specs []ModelSpec, seqs ...models.Sequence) *harness {
	t.Helper()
	h := &harness{
		log:      newCallLog(),
		store:    newCountingStore(),
		sleeper:  &recordingSleeper{},
		recorder: &Recorder{},
		clients:  make(map[string]*fakeClient),
	}
	clients := make(map[string]llm.ModelClient, len(specs))
	for _, m := range specs {
		c := &fakeClient{provider: m.Provider, model: m.Name, log: h.log}
		h.clients[m.Name] = c
		clients[m.Name] = c
	}
	sequences := make(map[string]models.Sequence, len(seqs))
	for _, s := range seqs {
		sequences[s.Name] = s
	}

	settings := retry.Settings{
		MaxRetries: 3,
		Backoff:    retry.Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		Rules:      retry.DefaultRules(),
	}
	policy, err := retry.NewPolicy(nil, settings, nil, retry.WithSleeper(h.sleeper))
	require.NoError(t, err)

	h.cfg = RunnerConfig{
		GlobalConcurrency: 4,
		CallTimeout:       5 * time.Second,
		Sequences:         sequences,
		Models:            specs,
		Clients:           clients,
		Store:             h.store,
		Limiter:           budget.NewRateLimiter(nil),
		Policy:            policy,
		Budgeter:          contextwindow.NewBudgeter(contextwindow.Options{}),
		Observers:         []Observer{h.recorder},
	}
	return h
}

func (h *harness) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(h.cfg)
	require.NoError(t, err)
	return r
}

func spec(name, provider string) ModelSpec {
	return ModelSpec{Name: name, Provider: provider, MaxContextTokens: 8192, MaxOutputTokens: 256, Temperature: 0.7}
}

func waitRun(t *testing.T, handle *RunHandle) (*models.RunSummary, error) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	return handle.Wait()
}
