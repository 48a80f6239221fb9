package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/wrenchai/wrench/internal/assemble"
	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/evidence"
	"github.com/wrenchai/wrench/internal/generate"
	"github.com/wrenchai/wrench/internal/log"
	"github.com/wrenchai/wrench/internal/provider"
	"github.com/wrenchai/wrench/internal/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedRetriever struct {
	result *retrieval.Result
	errs   []error
	calls  int
}

func (r *scriptedRetriever) Retrieve(_ context.Context, _ string) (*retrieval.Result, error) {
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	return r.result, nil
}

type scriptedGenerator struct {
	chunks     []string
	text       string
	errs       []error
	chunkThen  error
	calls      int
	lastPrompt string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, onChunk generate.ChunkFunc) (string, error) {
	g.calls++
	g.lastPrompt = prompt
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return "", err
	}
	if onChunk != nil {
		for _, c := range g.chunks {
			if err := onChunk(ctx, c); err != nil {
				return "", err
			}
		}
	}
	if g.chunkThen != nil {
		return "", g.chunkThen
	}
	if g.text != "" {
		return g.text, nil
	}
	return strings.Join(g.chunks, ""), nil
}

func localResult(rationale retrieval.Rationale, passages ...evidence.Passage) *retrieval.Result {
	return &retrieval.Result{Passages: passages, Rationale: rationale}
}

func strongPassage() evidence.Passage {
	return evidence.Passage{
		SourceID:   "manual-brakes-7",
		Content:    "Bleed the brakes starting at the wheel farthest from the master cylinder.",
		Similarity: 0.92,
		Origin:     evidence.OriginLocalIndex,
		Collection: evidence.CollectionManuals,
	}
}

func newEngine(t *testing.T, r Retriever, g Generator) *Engine {
	t.Helper()

	a, err := assemble.New(assemble.Config{})
	if err != nil {
		t.Fatalf("assemble.New() error = %v", err)
	}
	e, err := New(Config{
		Retry: RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, r, a, g, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func newQuery(t *testing.T, text string) conversation.Query {
	t.Helper()

	q, err := conversation.NewQuery(text, uuid.New(), "en")
	if err != nil {
		t.Fatalf("NewQuery() error = %v", err)
	}
	return q
}

func TestHandleStrongLocalMatch(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{text: "Start at the right rear bleeder [1]."}
	e := newEngine(t, r, g)
	history := conversation.NewHistory()

	answer, err := e.Handle(context.Background(), newQuery(t, "brake bleed order?"), history)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if answer.UsedFallback {
		t.Error("strong local match must not use fallback")
	}
	if answer.Rationale != retrieval.RationaleLocalSufficient {
		t.Errorf("rationale = %q", answer.Rationale)
	}
	if len(answer.Citations) != 1 || answer.Citations[0].Marker != "[1]" || answer.Citations[0].SourceID != "manual-brakes-7" {
		t.Errorf("citations = %+v, want [1] -> manual-brakes-7", answer.Citations)
	}
	if answer.LowConfidence {
		t.Error("answer with evidence should not be low confidence")
	}
	if !strings.Contains(g.lastPrompt, "[1] (manuals)") {
		t.Errorf("prompt missing evidence marker: %q", g.lastPrompt)
	}
}

func TestHandleWebOnlyFallback(t *testing.T) {
	t.Parallel()

	web := evidence.Passage{
		SourceID:   "https://forum.example/t/17",
		Content:    "P0171 on this platform is usually an intake boot crack.",
		Similarity: 0.21,
		Origin:     evidence.OriginWebSearch,
		URL:        "https://forum.example/t/17",
	}
	r := &scriptedRetriever{result: &retrieval.Result{
		Passages:     []evidence.Passage{web},
		Rationale:    retrieval.RationaleFallbackTriggered,
		UsedFallback: true,
	}}
	g := &scriptedGenerator{text: "Inspect the intake boot for cracks [1]."}
	e := newEngine(t, r, g)

	answer, err := e.Handle(context.Background(), newQuery(t, "P0171 lean code causes"), conversation.NewHistory())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !answer.UsedFallback {
		t.Error("UsedFallback should be set")
	}
	if len(answer.Citations) != 1 || answer.Citations[0].Origin != evidence.OriginWebSearch {
		t.Errorf("citations = %+v, want web citation", answer.Citations)
	}
	if answer.Citations[0].URL == "" {
		t.Error("web citation must carry its URL")
	}
}

func TestHandleNoEvidenceDegraded(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleNoEvidence)}
	g := &scriptedGenerator{text: "I could not find documentation for this. Generally, check battery ground straps first."}
	e := newEngine(t, r, g)

	answer, err := e.Handle(context.Background(), newQuery(t, "obscure fault"), conversation.NewHistory())
	if err != nil {
		t.Fatalf("degraded turn must complete: %v", err)
	}
	if !answer.LowConfidence {
		t.Error("LowConfidence should be set without evidence")
	}
	if len(answer.Citations) != 0 {
		t.Errorf("citations = %+v, want none", answer.Citations)
	}
	if answer.Rationale != retrieval.RationaleNoEvidence {
		t.Errorf("rationale = %q", answer.Rationale)
	}
}

func TestHandleStripsDanglingCitations(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{text: "Use the manual sequence [1]. Also see [3] for torque."}
	e := newEngine(t, r, g)

	answer, err := e.Handle(context.Background(), newQuery(t, "bleed order"), conversation.NewHistory())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if strings.Contains(answer.Text, "[3]") {
		t.Errorf("dangling marker not stripped: %q", answer.Text)
	}
	if strings.Contains(answer.Text, "  ") {
		t.Errorf("stripping left double spaces: %q", answer.Text)
	}
	if len(answer.Citations) != 1 || answer.Citations[0].Marker != "[1]" {
		t.Errorf("citations = %+v", answer.Citations)
	}
}

func TestHandleHistorySideEffects(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{text: "Answer [1]."}
	e := newEngine(t, r, g)
	history := conversation.NewHistory()
	history.Append(conversation.RoleUser, "earlier question")
	history.Append(conversation.RoleAssistant, "earlier answer")

	if _, err := e.Handle(context.Background(), newQuery(t, "follow-up"), history); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	turns := history.Turns()
	if len(turns) != 4 {
		t.Fatalf("history has %d turns, want 4", len(turns))
	}
	if turns[2].Role != conversation.RoleUser || turns[2].Text != "follow-up" {
		t.Errorf("turn 3 = %+v", turns[2])
	}
	if turns[3].Role != conversation.RoleAssistant || turns[3].Ordinal != 4 {
		t.Errorf("turn 4 = %+v", turns[3])
	}
	// The prompt must not include the in-flight question twice.
	if strings.Count(g.lastPrompt, "follow-up") != 1 {
		t.Errorf("current question duplicated in prompt: %q", g.lastPrompt)
	}
}

func TestHandleRetrievalFailureEscalates(t *testing.T) {
	t.Parallel()

	permanent := errors.New("schema mismatch")
	r := &scriptedRetriever{errs: []error{permanent}}
	g := &scriptedGenerator{text: "never reached"}
	e := newEngine(t, r, g)
	history := conversation.NewHistory()

	_, err := e.Handle(context.Background(), newQuery(t, "q"), history)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if stageErr.Stage != StageRetrieving {
		t.Errorf("stage = %q, want retrieving", stageErr.Stage)
	}
	if g.calls != 0 {
		t.Error("generation must not run after retrieval failure")
	}
	// Only the user turn is recorded; no partial assistant turn.
	if got := history.Len(); got != 1 {
		t.Errorf("history turns = %d, want 1", got)
	}
}

func TestHandleTransientRetrievalRetried(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{
		errs:   []error{fmt.Errorf("search: %w", provider.ErrUnavailable)},
		result: localResult(retrieval.RationaleLocalSufficient, strongPassage()),
	}
	g := &scriptedGenerator{text: "Answer [1]."}
	e := newEngine(t, r, g)

	if _, err := e.Handle(context.Background(), newQuery(t, "q"), conversation.NewHistory()); err != nil {
		t.Fatalf("transient failure should be retried: %v", err)
	}
	if r.calls != 2 {
		t.Errorf("retriever calls = %d, want 2", r.calls)
	}
}

func TestHandleTransientGenerationRetried(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{
		errs: []error{
			fmt.Errorf("generation: %w", provider.ErrUnavailable),
			fmt.Errorf("generation: %w", provider.ErrTimeout),
		},
		text: "Recovered answer [1].",
	}
	e := newEngine(t, r, g)

	answer, err := e.Handle(context.Background(), newQuery(t, "q"), conversation.NewHistory())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if g.calls != 3 {
		t.Errorf("generator calls = %d, want 3", g.calls)
	}
	if answer.Text != "Recovered answer [1]." {
		t.Errorf("text = %q", answer.Text)
	}
}

func TestHandleContentFilteredNotRetried(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{errs: []error{
		fmt.Errorf("generation: %w", provider.ErrContentFiltered),
		fmt.Errorf("generation: %w", provider.ErrContentFiltered),
	}}
	e := newEngine(t, r, g)

	_, err := e.Handle(context.Background(), newQuery(t, "q"), conversation.NewHistory())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageGenerating {
		t.Fatalf("error = %v, want generating StageError", err)
	}
	if !errors.Is(err, provider.ErrContentFiltered) {
		t.Errorf("taxonomy lost: %v", err)
	}
	if g.calls != 1 {
		t.Errorf("generator calls = %d, want 1 (no retry)", g.calls)
	}
}

func TestHandleStreamForwardsChunks(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{chunks: []string{"Bleed ", "rear right ", "first [1]."}}
	e := newEngine(t, r, g)

	var got []string
	answer, err := e.HandleStream(context.Background(), newQuery(t, "bleed order"), conversation.NewHistory(),
		func(_ context.Context, chunk string) error {
			got = append(got, chunk)
			return nil
		})
	if err != nil {
		t.Fatalf("HandleStream() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("chunks = %v, want 3", got)
	}
	if answer.Text != "Bleed rear right first [1]." {
		t.Errorf("text = %q", answer.Text)
	}
	if answer.Truncated {
		t.Error("completed stream must not be truncated")
	}
}

func TestHandleStreamConsumerAbortTruncates(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{chunks: []string{"partial answer ", "never delivered"}}
	e := newEngine(t, r, g)
	history := conversation.NewHistory()

	calls := 0
	answer, err := e.HandleStream(context.Background(), newQuery(t, "q"), history,
		func(_ context.Context, _ string) error {
			calls++
			if calls > 1 {
				return errors.New("client went away")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("abort after first chunk should complete truncated: %v", err)
	}
	if !answer.Truncated {
		t.Fatal("Truncated should be set")
	}
	if answer.Text != "partial answer " {
		t.Errorf("text = %q, want the delivered prefix", answer.Text)
	}

	turns := history.Turns()
	last := turns[len(turns)-1]
	if last.Role != conversation.RoleAssistant || !last.Truncated {
		t.Errorf("last turn = %+v, want truncated assistant turn", last)
	}
	if g.calls != 1 {
		t.Errorf("generator calls = %d, want 1 (no retry after output)", g.calls)
	}
}

func TestHandleNoRetryAfterFirstChunk(t *testing.T) {
	t.Parallel()

	r := &scriptedRetriever{result: localResult(retrieval.RationaleLocalSufficient, strongPassage())}
	g := &scriptedGenerator{
		chunks:    []string{"some output "},
		chunkThen: fmt.Errorf("generation: %w", provider.ErrUnavailable),
	}
	e := newEngine(t, r, g)

	_, err := e.HandleStream(context.Background(), newQuery(t, "q"), conversation.NewHistory(),
		func(_ context.Context, _ string) error { return nil })
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageGenerating {
		t.Fatalf("error = %v, want generating StageError", err)
	}
	if g.calls != 1 {
		t.Errorf("generator calls = %d, want 1", g.calls)
	}
}

func TestHandleEmptyQueryRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t, &scriptedRetriever{result: localResult(retrieval.RationaleNoEvidence)}, &scriptedGenerator{text: "x"})

	_, err := e.Handle(context.Background(), conversation.Query{Text: "   "}, conversation.NewHistory())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageReceived {
		t.Fatalf("error = %v, want received StageError", err)
	}
}

func TestReconcileCitations(t *testing.T) {
	t.Parallel()

	re, err := assemble.MarkerPattern("[%d]")
	if err != nil {
		t.Fatalf("MarkerPattern() error = %v", err)
	}
	citations := []assemble.Citation{
		{Marker: "[1]", SourceID: "a"},
		{Marker: "[2]", SourceID: "b"},
	}

	text, cited, stripped := reconcileCitations(re, "Use [1] and [5], then [1] again. Skip [2]? No: [7].", citations)
	if stripped != 2 {
		t.Errorf("stripped = %d, want 2", stripped)
	}
	if strings.Contains(text, "[5]") || strings.Contains(text, "[7]") {
		t.Errorf("unknown markers remain: %q", text)
	}
	if len(cited) != 2 {
		t.Errorf("cited = %+v, want both known citations", cited)
	}
}
