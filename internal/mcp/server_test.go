package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/engine"
	"github.com/wrenchai/wrench/internal/evidence"
	"github.com/wrenchai/wrench/internal/retrieval"
	"github.com/wrenchai/wrench/internal/testutil"
)

type stubRunner struct {
	answer *engine.Answer
	err    error
}

func (s *stubRunner) Handle(_ context.Context, q conversation.Query, history *conversation.History) (*engine.Answer, error) {
	if s.err != nil {
		return nil, s.err
	}
	history.Append(conversation.RoleUser, q.Text)
	history.Append(conversation.RoleAssistant, s.answer.Text)
	return s.answer, nil
}

type stubRetriever struct {
	result *retrieval.Result
	err    error
}

func (s *stubRetriever) Retrieve(context.Context, string) (*retrieval.Result, error) {
	return s.result, s.err
}

func newTestMCPServer(t *testing.T, runner TurnRunner, retriever Retriever) *Server {
	t.Helper()

	s, err := NewServer(Config{Name: "wrench", Version: "test"}, runner, retriever, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{answer: &engine.Answer{Text: "x"}}
	retriever := &stubRetriever{result: &retrieval.Result{}}

	tests := []struct {
		name      string
		cfg       Config
		runner    TurnRunner
		retriever Retriever
	}{
		{"missing name", Config{Version: "1"}, runner, retriever},
		{"missing version", Config{Name: "wrench"}, runner, retriever},
		{"missing runner", Config{Name: "wrench", Version: "1"}, nil, retriever},
		{"missing retriever", Config{Name: "wrench", Version: "1"}, runner, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewServer(tt.cfg, tt.runner, tt.retriever, testutil.DiscardLogger()); err == nil {
				t.Error("NewServer() should fail")
			}
		})
	}
}

func TestDiagnoseTool(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{answer: &engine.Answer{Text: "Replace the thermostat [1]."}}
	s := newTestMCPServer(t, runner, &stubRetriever{result: &retrieval.Result{}})

	result, structured, err := s.Diagnose(context.Background(), nil, DiagnoseInput{Query: "overheating at idle"})
	if err != nil {
		t.Fatalf("Diagnose() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}

	out, ok := structured.(DiagnoseOutput)
	if !ok {
		t.Fatalf("structured output type = %T", structured)
	}
	if out.Text != "Replace the thermostat [1]." {
		t.Errorf("text = %q", out.Text)
	}
	if out.ConversationID == "" {
		t.Error("conversation_id missing")
	}
}

func TestDiagnoseToolContinuesConversation(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{answer: &engine.Answer{Text: "answer"}}
	s := newTestMCPServer(t, runner, &stubRetriever{result: &retrieval.Result{}})

	_, structured, err := s.Diagnose(context.Background(), nil, DiagnoseInput{Query: "first question"})
	if err != nil {
		t.Fatalf("Diagnose() error = %v", err)
	}
	id := structured.(DiagnoseOutput).ConversationID

	if _, _, err := s.Diagnose(context.Background(), nil, DiagnoseInput{Query: "follow-up", ConversationID: id}); err != nil {
		t.Fatalf("Diagnose() follow-up error = %v", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("conversation_id %q is not a UUID", id)
	}
	history := s.store.Get(parsed)
	if history == nil || history.Len() != 4 {
		t.Errorf("history = %v, want 4 turns", history)
	}
}

func TestDiagnoseToolInvalidInput(t *testing.T) {
	t.Parallel()

	s := newTestMCPServer(t, &stubRunner{answer: &engine.Answer{Text: "x"}}, &stubRetriever{result: &retrieval.Result{}})

	tests := []struct {
		name  string
		input DiagnoseInput
	}{
		{"empty query", DiagnoseInput{}},
		{"bad conversation id", DiagnoseInput{Query: "q", ConversationID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result, _, err := s.Diagnose(context.Background(), nil, tt.input)
			if err != nil {
				t.Fatalf("Diagnose() error = %v", err)
			}
			if !result.IsError {
				t.Error("expected IsError result")
			}
		})
	}
}

func TestDiagnoseToolPipelineFailure(t *testing.T) {
	t.Parallel()

	s := newTestMCPServer(t, &stubRunner{err: errors.New("boom")}, &stubRetriever{result: &retrieval.Result{}})

	if _, _, err := s.Diagnose(context.Background(), nil, DiagnoseInput{Query: "q"}); err == nil {
		t.Error("pipeline failure should surface as tool error")
	}
}

func TestSearchEvidenceTool(t *testing.T) {
	t.Parallel()

	retriever := &stubRetriever{result: &retrieval.Result{
		Passages: []evidence.Passage{{
			SourceID:   "manual-cooling-3",
			Content:    "Thermostat opening temperature is 88 degrees C.",
			Similarity: 0.91,
			Origin:     evidence.OriginLocalIndex,
			Collection: evidence.CollectionManuals,
		}},
		Rationale: retrieval.RationaleLocalSufficient,
	}}
	s := newTestMCPServer(t, &stubRunner{answer: &engine.Answer{Text: "x"}}, retriever)

	result, structured, err := s.SearchEvidence(context.Background(), nil, SearchEvidenceInput{Query: "thermostat temperature"})
	if err != nil {
		t.Fatalf("SearchEvidence() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	res, ok := structured.(*retrieval.Result)
	if !ok {
		t.Fatalf("structured output type = %T", structured)
	}
	if len(res.Passages) != 1 || res.Passages[0].SourceID != "manual-cooling-3" {
		t.Errorf("passages = %+v", res.Passages)
	}
}
