// Package assemble builds the generation prompt from instructions,
// retrieved evidence and conversation history under a hard token budget.
//
// Assembly is deterministic: the same query, history and passages always
// produce a byte-identical prompt. All selection is done on working copies;
// stored history is never mutated.
package assemble

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/evidence"
)

// technicianInstructions grounds the model in the workshop domain. Manuals
// outrank web sources, vehicle details are never assumed, and off-topic
// requests are declined.
const technicianInstructions = `You are an expert automobile technician assisting another technician with vehicle diagnostics and repair.

Rules:
- Answer only from the evidence provided below. If the evidence does not cover the question, say so instead of guessing.
- Workshop manual excerpts are the most reliable source. When manual and web evidence disagree, follow the manual.
- Never assume the vehicle make, model or year. Ask for them when the answer depends on it.
- Give diagnostic steps in order, starting with the simplest and cheapest check.
- Cite the evidence you used with its bracketed marker, for example [1].
- Decline questions that are not about vehicle diagnostics, repair or maintenance.`

// noEvidenceNote replaces the evidence section when retrieval found
// nothing. The model must flag the answer as general guidance.
const noEvidenceNote = `No relevant workshop documentation was found for this question. State that clearly, give only generally applicable guidance, and recommend checking the vehicle's service manual before any repair.`

// Per-item and per-section token padding. These cover markers, role
// prefixes, collection labels and section headers so the final prompt
// estimate never exceeds the budget the items were selected against.
const (
	passageOverheadTokens = 16
	turnOverheadTokens    = 8
	sectionOverheadTokens = 48
)

// Defaults for Config zero values.
const (
	DefaultPromptBudget  = 4096
	DefaultEvidenceShare = 0.60
	DefaultHistoryShare  = 0.30
	DefaultMarkerFormat  = "[%d]"
)

var (
	// ErrBudgetExceeded indicates the fixed prompt parts (instructions and
	// query) alone do not fit the budget.
	ErrBudgetExceeded = errors.New("prompt budget exceeded")

	// ErrInvalidShares indicates evidence and history shares that leave no
	// reserve for instructions.
	ErrInvalidShares = errors.New("invalid budget shares")

	// ErrInvalidMarkerFormat indicates a marker format without exactly one
	// %d verb.
	ErrInvalidMarkerFormat = errors.New("invalid marker format")
)

// Config tunes the assembler. Zero values select the defaults above.
type Config struct {
	// PromptBudget is the hard cap on the estimated prompt size.
	PromptBudget int

	// EvidenceShare and HistoryShare split the budget; the remainder is
	// reserved for instructions and formatting.
	EvidenceShare float64
	HistoryShare  float64

	// MarkerFormat renders citation markers; must contain exactly one %d.
	MarkerFormat string

	// Instructions overrides the built-in system instructions.
	Instructions string
}

// Citation links a marker in the prompt (and the generated answer) back to
// its source passage.
type Citation struct {
	Marker   string          `json:"marker"`
	SourceID string          `json:"source_id"`
	URL      string          `json:"url,omitempty"`
	Origin   evidence.Origin `json:"origin"`
}

// Context is the assembled prompt plus everything needed to validate and
// attribute the generated answer.
type Context struct {
	Prompt          string
	Passages        []evidence.Passage
	Turns           []conversation.Turn
	Citations       []Citation
	EstimatedTokens int

	// Degraded is set when no evidence was available and the prompt asks
	// for general guidance only.
	Degraded bool
}

// Assembler builds prompts. Safe for concurrent use; it holds no state
// beyond immutable configuration.
type Assembler struct {
	cfg Config
}

// New validates the configuration and creates an assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.PromptBudget <= 0 {
		cfg.PromptBudget = DefaultPromptBudget
	}
	if cfg.EvidenceShare == 0 {
		cfg.EvidenceShare = DefaultEvidenceShare
	}
	if cfg.HistoryShare == 0 {
		cfg.HistoryShare = DefaultHistoryShare
	}
	if cfg.MarkerFormat == "" {
		cfg.MarkerFormat = DefaultMarkerFormat
	}
	if cfg.Instructions == "" {
		cfg.Instructions = technicianInstructions
	}

	if cfg.EvidenceShare <= 0 || cfg.HistoryShare <= 0 || cfg.EvidenceShare+cfg.HistoryShare >= 1 {
		return nil, fmt.Errorf("%w: evidence %.2f + history %.2f must leave a reserve below 1",
			ErrInvalidShares, cfg.EvidenceShare, cfg.HistoryShare)
	}
	if _, err := MarkerPattern(cfg.MarkerFormat); err != nil {
		return nil, err
	}

	return &Assembler{cfg: cfg}, nil
}

// MarkerFormat returns the configured citation marker format.
func (a *Assembler) MarkerFormat() string {
	return a.cfg.MarkerFormat
}

// Assemble builds the prompt for one query. Passages must arrive ranked
// best-first; they are included greedily until the evidence share of the
// budget is spent. History keeps the most recent whole turns that fit its
// share. The returned estimate never exceeds the budget.
func (a *Assembler) Assemble(query string, turns []conversation.Turn, passages []evidence.Passage) (*Context, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}

	degraded := len(passages) == 0

	fixed := EstimateTokens(a.cfg.Instructions) + EstimateTokens(query) + sectionOverheadTokens
	if degraded {
		fixed += EstimateTokens(noEvidenceNote)
	}
	avail := a.cfg.PromptBudget - fixed
	if avail < 0 {
		return nil, fmt.Errorf("%w: fixed sections need %d of %d tokens", ErrBudgetExceeded, fixed, a.cfg.PromptBudget)
	}

	evidenceBudget := min(int(a.cfg.EvidenceShare*float64(a.cfg.PromptBudget)), avail)
	included, citations, evidenceUsed := a.selectEvidence(passages, evidenceBudget)

	historyBudget := min(int(a.cfg.HistoryShare*float64(a.cfg.PromptBudget)), avail-evidenceUsed)
	kept := truncateHistory(turns, historyBudget)

	prompt := a.render(query, included, citations, kept, degraded)

	return &Context{
		Prompt:          prompt,
		Passages:        included,
		Turns:           kept,
		Citations:       citations,
		EstimatedTokens: EstimateTokens(prompt),
		Degraded:        degraded,
	}, nil
}

// selectEvidence includes ranked passages greedily. A passage that does not
// fit is skipped, not a stopping point, so smaller lower-ranked passages
// can still use leftover budget. Markers are assigned in inclusion order
// and are therefore monotonically increasing in the prompt.
func (a *Assembler) selectEvidence(passages []evidence.Passage, budget int) ([]evidence.Passage, []Citation, int) {
	var (
		included  []evidence.Passage
		citations []Citation
		used      int
	)
	for _, p := range passages {
		cost := EstimateTokens(p.Content) + passageOverheadTokens
		if used+cost > budget {
			continue
		}
		used += cost
		included = append(included, p)
		citations = append(citations, Citation{
			Marker:   fmt.Sprintf(a.cfg.MarkerFormat, len(included)),
			SourceID: p.SourceID,
			URL:      p.URL,
			Origin:   p.Origin,
		})
	}
	return included, citations, used
}

func (a *Assembler) render(query string, passages []evidence.Passage, citations []Citation, turns []conversation.Turn, degraded bool) string {
	var b strings.Builder
	b.WriteString(a.cfg.Instructions)
	b.WriteString("\n\n## Evidence\n")

	if degraded {
		b.WriteString(noEvidenceNote)
		b.WriteString("\n")
	}
	for i, p := range passages {
		b.WriteString(citations[i].Marker)
		b.WriteString(" (")
		b.WriteString(passageLabel(p))
		b.WriteString(") ")
		b.WriteString(p.Content)
		b.WriteString("\n")
	}

	if len(turns) > 0 {
		b.WriteString("\n## Conversation\n")
		for _, t := range turns {
			b.WriteString(roleLabel(t.Role))
			b.WriteString(": ")
			b.WriteString(t.Text)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Question\n")
	b.WriteString(roleLabel(conversation.RoleUser))
	b.WriteString(": ")
	b.WriteString(query)
	b.WriteString("\n")
	b.WriteString(roleLabel(conversation.RoleAssistant))
	b.WriteString(":")

	return b.String()
}

func passageLabel(p evidence.Passage) string {
	if p.Origin == evidence.OriginWebSearch {
		return "web"
	}
	return p.Collection
}

func roleLabel(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return "Assistant"
	}
	return "Technician"
}

// MarkerPattern derives a regexp matching rendered markers from a marker
// format. The single %d verb becomes a digit capture group; everything
// else is matched literally.
func MarkerPattern(format string) (*regexp.Regexp, error) {
	if strings.Count(format, "%d") != 1 {
		return nil, fmt.Errorf("%w: %q must contain exactly one %%d", ErrInvalidMarkerFormat, format)
	}
	const placeholder = "\x00"
	quoted := regexp.QuoteMeta(strings.Replace(format, "%d", placeholder, 1))
	re, err := regexp.Compile(strings.Replace(quoted, placeholder, `(\d+)`, 1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMarkerFormat, err)
	}
	return re, nil
}
