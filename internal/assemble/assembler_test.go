package assemble

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/evidence"
)

func mustAssembler(t *testing.T, cfg Config) *Assembler {
	t.Helper()

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func localPassage(id, content string, score float64) evidence.Passage {
	return evidence.Passage{
		SourceID:   id,
		Content:    content,
		Similarity: score,
		Origin:     evidence.OriginLocalIndex,
		Collection: evidence.CollectionManuals,
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "defaults are valid", cfg: Config{}},
		{name: "shares consuming whole budget", cfg: Config{EvidenceShare: 0.7, HistoryShare: 0.3}, wantErr: ErrInvalidShares},
		{name: "negative share", cfg: Config{EvidenceShare: -0.1, HistoryShare: 0.3}, wantErr: ErrInvalidShares},
		{name: "marker without verb", cfg: Config{MarkerFormat: "[]"}, wantErr: ErrInvalidMarkerFormat},
		{name: "marker with two verbs", cfg: Config{MarkerFormat: "[%d-%d]"}, wantErr: ErrInvalidMarkerFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.cfg)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAssembleDeterministic(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{})
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Text: "coolant loss, no visible leak", Ordinal: 1},
		{Role: conversation.RoleAssistant, Text: "pressure test the cooling system first", Ordinal: 2},
	}
	passages := []evidence.Passage{
		localPassage("manual-cooling-3", "Pressurize the system to 1.2 bar and watch for a drop over ten minutes.", 0.9),
		localPassage("manual-cooling-9", "White exhaust smoke with coolant loss points at the head gasket.", 0.8),
	}

	first, err := a.Assemble("still losing coolant", turns, passages)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	second, err := a.Assemble("still losing coolant", turns, passages)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if first.Prompt != second.Prompt {
		t.Fatal("identical inputs must produce byte-identical prompts")
	}
}

func TestAssembleBudgetInvariant(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{PromptBudget: 600})

	var passages []evidence.Passage
	for i := range 20 {
		passages = append(passages, localPassage(
			fmt.Sprintf("chunk-%d", i),
			strings.Repeat("torque spec and fastener sequence details. ", 4),
			1.0-float64(i)*0.01,
		))
	}
	var turns []conversation.Turn
	for i := range 30 {
		turns = append(turns, conversation.Turn{
			Role:    conversation.RoleUser,
			Text:    strings.Repeat("previous discussion about the gearbox. ", 3),
			Ordinal: i + 1,
		})
	}

	ctx, err := a.Assemble("what is the final torque?", turns, passages)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if ctx.EstimatedTokens > 600 {
		t.Fatalf("EstimatedTokens = %d, exceeds budget 600", ctx.EstimatedTokens)
	}
	if len(ctx.Passages) == 0 {
		t.Error("expected at least one passage within the evidence share")
	}
	if len(ctx.Turns) == len(turns) {
		t.Error("expected history truncation under a tight budget")
	}
}

func TestAssembleMarkersMonotonic(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{})
	passages := []evidence.Passage{
		localPassage("a", "first passage", 0.9),
		localPassage("b", "second passage", 0.8),
		localPassage("c", "third passage", 0.7),
	}

	ctx, err := a.Assemble("ordering check", nil, passages)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	for i, c := range ctx.Citations {
		want := fmt.Sprintf("[%d]", i+1)
		if c.Marker != want {
			t.Errorf("citation %d marker = %q, want %q", i, c.Marker, want)
		}
	}

	// Markers appear in the prompt in increasing order.
	last := -1
	for _, c := range ctx.Citations {
		pos := strings.Index(ctx.Prompt, c.Marker+" ")
		if pos < 0 {
			t.Fatalf("marker %q missing from prompt", c.Marker)
		}
		if pos < last {
			t.Errorf("marker %q appears out of order", c.Marker)
		}
		last = pos
	}
}

func TestAssembleHistoryKeepsRecentSuffix(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{PromptBudget: 700})
	var turns []conversation.Turn
	for i := range 12 {
		turns = append(turns, conversation.Turn{
			Role:    conversation.RoleUser,
			Text:    fmt.Sprintf("turn %d about the injector cleaning procedure", i+1),
			Ordinal: i + 1,
		})
	}

	ctx, err := a.Assemble("summary please", turns, nil)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(ctx.Turns) == 0 || len(ctx.Turns) == len(turns) {
		t.Fatalf("kept %d of %d turns, want a strict non-empty suffix", len(ctx.Turns), len(turns))
	}

	// The kept window is the newest contiguous suffix, in order.
	wantFirst := turns[len(turns)-len(ctx.Turns)].Ordinal
	for i, turn := range ctx.Turns {
		if turn.Ordinal != wantFirst+i {
			t.Fatalf("kept turn %d has ordinal %d, want %d", i, turn.Ordinal, wantFirst+i)
		}
	}
	if got := ctx.Turns[len(ctx.Turns)-1].Ordinal; got != 12 {
		t.Errorf("newest kept ordinal = %d, want 12", got)
	}
}

func TestAssembleDegraded(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{})
	ctx, err := a.Assemble("weird rattle at 3000 rpm", nil, nil)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if !ctx.Degraded {
		t.Error("Degraded should be set with no evidence")
	}
	if len(ctx.Citations) != 0 {
		t.Errorf("citations = %v, want none", ctx.Citations)
	}
	if !strings.Contains(ctx.Prompt, "No relevant workshop documentation") {
		t.Error("prompt should carry the no-evidence instruction")
	}
}

func TestAssembleBudgetExceeded(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{PromptBudget: 300})
	_, err := a.Assemble(strings.Repeat("very long question ", 200), nil, nil)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("error = %v, want ErrBudgetExceeded", err)
	}
}

func TestAssembleSkipsOversizedPassage(t *testing.T) {
	t.Parallel()

	a := mustAssembler(t, Config{PromptBudget: 800})
	passages := []evidence.Passage{
		localPassage("huge", strings.Repeat("enormous wiring diagram dump ", 100), 0.95),
		localPassage("small", "Check fuse 14 under the dash.", 0.80),
	}

	ctx, err := a.Assemble("radio dead", nil, passages)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(ctx.Passages) != 1 || ctx.Passages[0].SourceID != "small" {
		t.Fatalf("included = %+v, want only the small passage", ctx.Passages)
	}
	// Marker numbering follows inclusion order, not input order.
	if ctx.Citations[0].Marker != "[1]" {
		t.Errorf("marker = %q, want [1]", ctx.Citations[0].Marker)
	}
}

func TestMarkerPattern(t *testing.T) {
	t.Parallel()

	re, err := MarkerPattern("[%d]")
	if err != nil {
		t.Fatalf("MarkerPattern() error = %v", err)
	}
	got := re.FindAllString("use [1] then [2], not [x]", -1)
	if len(got) != 2 || got[0] != "[1]" || got[1] != "[2]" {
		t.Errorf("matches = %v", got)
	}

	if _, err := MarkerPattern("no verb"); !errors.Is(err, ErrInvalidMarkerFormat) {
		t.Errorf("error = %v, want ErrInvalidMarkerFormat", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "a", want: 1},
		{text: "abcd", want: 2},
		{text: "引擎過熱", want: 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
