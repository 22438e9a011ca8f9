package chunkjob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auditassist/auditassist/internal/failover"
	"github.com/auditassist/auditassist/internal/keypool"
	"github.com/auditassist/auditassist/internal/llm"
)

var testHierarchy = []string{"model-a", "model-b"}

// fakeGen routes generation through a swappable function.
type fakeGen struct {
	mu sync.Mutex
	fn func(secret, model, prompt string) (string, error)
}

func (g *fakeGen) Generate(_ context.Context, secret, model string, req llm.GenerateRequest) (string, error) {
	g.mu.Lock()
	fn := g.fn
	g.mu.Unlock()
	return fn(secret, model, req.Prompt)
}

func (g *fakeGen) set(fn func(secret, model, prompt string) (string, error)) {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
}

type fakeValidator struct{ err error }

func (v *fakeValidator) Validate(_ context.Context, _, _ string) (int64, error) {
	return 10, v.err
}

type memDeliverer struct {
	mu      sync.Mutex
	name    string
	content string
	count   int
}

func (d *memDeliverer) Deliver(name string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.content = string(content)
	d.count++
	return nil
}

func (d *memDeliverer) delivered() (string, string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name, d.content, d.count
}

func newTestEngine(gen *fakeGen, validator keypool.Validator, deliver *memDeliverer, chunkSize int) (*Engine, *keypool.Pool) {
	pool := keypool.New(testHierarchy, nil)
	exec := failover.New(pool, 0, nil)
	eng := New(exec, pool, gen, validator, deliver, Config{ChunkSize: chunkSize, CloseGrace: 0}, nil)
	return eng, pool
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quotaErr(model string) error {
	return llm.Classify(errors.New("you exceeded your current quota"), model, 429)
}

func TestStartEmptyInput(t *testing.T) {
	eng, _ := newTestEngine(&fakeGen{}, &fakeValidator{}, &memDeliverer{}, 100)
	if id := eng.Start(context.Background(), "   ", KindTranslation, "German", nil); id != "" {
		t.Errorf("id = %q, want empty for blank input", id)
	}
	if _, ok := eng.Status(); ok {
		t.Error("no job should exist")
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	gen := &fakeGen{}
	gen.set(func(_, _, prompt string) (string, error) {
		return "translated:" + prompt[len(prompt)-4:], nil
	})
	deliver := &memDeliverer{}
	eng, pool := newTestEngine(gen, &fakeValidator{}, deliver, 100)
	pool.Add("a", "sk-a")

	text := strings.Repeat("x", 250)
	id := eng.Start(context.Background(), text, KindTranslation, "German", []string{"Acme Corp"})
	if id == "" {
		t.Fatal("no job id")
	}

	waitFor(t, "job completion", func() bool {
		job, ok := eng.Status()
		return ok && job.Finished
	})

	name, content, count := deliver.delivered()
	if count != 1 {
		t.Fatalf("deliveries = %d, want 1", count)
	}
	if !strings.HasPrefix(name, "Acme_Corp_translation_") || !strings.HasSuffix(name, ".txt") {
		t.Errorf("artifact name = %q", name)
	}
	if got := strings.Count(content, "translated:"); got != 3 {
		t.Errorf("content holds %d chunk results, want 3", got)
	}

	waitFor(t, "job close", func() bool {
		job, ok := eng.Status()
		return ok && !job.Open
	})
}

func TestJobPausesAndResumesWithRescueKey(t *testing.T) {
	gen := &fakeGen{}
	var mu sync.Mutex
	calls := 0
	gen.set(func(secret, model, _ string) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if secret == "sk-rescue" {
			return "rescued", nil
		}
		if n == 1 {
			return "first", nil
		}
		return "", quotaErr(model)
	})

	deliver := &memDeliverer{}
	eng, pool := newTestEngine(gen, &fakeValidator{}, deliver, 8000)
	pool.Add("a", "sk-a")

	text := strings.Repeat("x", 17000)
	eng.Start(context.Background(), text, KindTranslation, "French", nil)

	waitFor(t, "pause", func() bool {
		job, ok := eng.Status()
		return ok && job.Paused
	})

	job, _ := eng.Status()
	if len(job.Chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(job.Chunks))
	}
	if job.Processed != 1 {
		t.Errorf("processed = %d, want the first chunk committed before pause", job.Processed)
	}
	if job.Results[0] != "first" {
		t.Errorf("result[0] = %q, completed work must survive the pause", job.Results[0])
	}
	if job.LastError == "" {
		t.Error("pause reason not recorded")
	}

	if err := eng.Resume(context.Background(), "sk-rescue"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitFor(t, "completion after rescue", func() bool {
		job, ok := eng.Status()
		return ok && job.Finished
	})

	job, _ = eng.Status()
	if job.Processed != 3 {
		t.Errorf("processed = %d, want 3", job.Processed)
	}
	if job.Results[1] != "rescued" || job.Results[2] != "rescued" {
		t.Errorf("remaining chunks = %q,%q, want rescue-key output", job.Results[1], job.Results[2])
	}
	if _, _, count := deliver.delivered(); count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
}

func TestResumeRejectsBadRescueKey(t *testing.T) {
	validator := &fakeValidator{err: llm.Classify(errors.New("API key not valid"), "model-a", 400)}
	eng, pool := newTestEngine(&fakeGen{}, validator, &memDeliverer{}, 100)

	if err := eng.Resume(context.Background(), "sk-bad"); err == nil {
		t.Fatal("invalid rescue key must be rejected")
	}
	if len(pool.Profiles()) != 0 {
		t.Error("rejected rescue key must not join the pool")
	}
}

func TestResumeWithoutKeyRestoresQuota(t *testing.T) {
	eng, pool := newTestEngine(&fakeGen{}, &fakeValidator{}, &memDeliverer{}, 100)
	prof := pool.Add("a", "sk-a")
	pool.MarkExhausted(prof.ID)

	if err := eng.Resume(context.Background(), ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ := pool.Get(prof.ID)
	if got.Status != keypool.StatusValid {
		t.Errorf("status = %s, want valid after confirmed quota reset", got.Status)
	}
}

func TestEmptyChunkOutputKeepsOriginalText(t *testing.T) {
	gen := &fakeGen{}
	gen.set(func(_, _, _ string) (string, error) { return "   ", nil })
	eng, pool := newTestEngine(gen, &fakeValidator{}, &memDeliverer{}, 100)
	pool.Add("a", "sk-a")

	eng.Start(context.Background(), "original chunk text", KindTranslation, "German", nil)
	waitFor(t, "completion", func() bool {
		job, ok := eng.Status()
		return ok && job.Finished
	})

	job, _ := eng.Status()
	if job.Results[0] != "original chunk text" {
		t.Errorf("result = %q, want original text kept", job.Results[0])
	}
}

func TestFailedChunkKeepsOriginalText(t *testing.T) {
	gen := &fakeGen{}
	gen.set(func(_, _, _ string) (string, error) {
		return "", errors.New("response parse failure")
	})
	eng, pool := newTestEngine(gen, &fakeValidator{}, &memDeliverer{}, 100)
	pool.Add("a", "sk-a")

	eng.Start(context.Background(), "chunk one", KindTranslation, "German", nil)
	waitFor(t, "completion", func() bool {
		job, ok := eng.Status()
		return ok && job.Finished
	})

	job, _ := eng.Status()
	if job.Results[0] != "chunk one" {
		t.Errorf("result = %q, a failed chunk keeps its original text", job.Results[0])
	}
}

func TestResumeReachesJobStartedAfterPause(t *testing.T) {
	gen := &fakeGen{}
	gen.set(func(secret, model, _ string) (string, error) {
		if secret == "sk-rescue" {
			return "rescued", nil
		}
		return "", quotaErr(model)
	})

	deliver := &memDeliverer{}
	eng, pool := newTestEngine(gen, &fakeValidator{}, deliver, 100)
	pool.Add("a", "sk-a")

	// The first job exhausts the pool and pauses.
	eng.Start(context.Background(), "first export text", KindTranslation, "German", nil)
	waitFor(t, "first job pause", func() bool {
		job, ok := eng.Status()
		return ok && job.Paused
	})

	// The user starts over; the replacement pauses on the same dead pool.
	second := eng.Start(context.Background(), "second export text", KindTranslation, "German", nil)
	waitFor(t, "second job pause", func() bool {
		job, ok := eng.Status()
		return ok && job.ID == second && job.Paused
	})

	// One rescue must reach the current job's driver, not the stale one.
	if err := eng.Resume(context.Background(), "sk-rescue"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "second job completion", func() bool {
		job, ok := eng.Status()
		return ok && job.ID == second && job.Finished
	})

	job, _ := eng.Status()
	if job.Processed != 1 || job.Results[0] != "rescued" {
		t.Errorf("job = processed %d results %v, want the rescue output", job.Processed, job.Results)
	}
	if _, _, count := deliver.delivered(); count != 1 {
		t.Errorf("deliveries = %d, want only the current job's artifact", count)
	}
}

func TestSecondStartSupersedesFirst(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGen{}
	gen.set(func(_, _, _ string) (string, error) {
		<-release
		return "stale", nil
	})
	deliver := &memDeliverer{}
	eng, pool := newTestEngine(gen, &fakeValidator{}, deliver, 100)
	pool.Add("a", "sk-a")

	first := eng.Start(context.Background(), "job one text", KindTranslation, "German", nil)

	gen.set(func(_, _, _ string) (string, error) { return "fresh", nil })
	second := eng.Start(context.Background(), "job two text", KindTranslation, "German", nil)
	close(release)

	waitFor(t, "second job completion", func() bool {
		job, ok := eng.Status()
		return ok && job.Finished && job.ID == second
	})

	job, _ := eng.Status()
	if job.ID == first {
		t.Fatal("status shows the superseded job")
	}
	if job.Results[0] != "fresh" {
		t.Errorf("result = %q, stale in-flight output must never land", job.Results[0])
	}
}
