package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/storage"
	"github.com/citeseek/citeseek/internal/synthesis"
)

// PassageRetriever finds passages relevant to a question.
type PassageRetriever interface {
	Retrieve(ctx context.Context, question, documentID string, limit int) ([]index.ScoredRecord, error)
}

// AnswerSynthesizer turns passages into an answer.
type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, question string, passages []index.ScoredRecord) (synthesis.Answer, error)
}

// QueryLogger records answered and failed questions.
type QueryLogger interface {
	SaveQueryLog(q storage.QueryLog) error
}

// Result is the outcome for one question. Exactly one of Answer or Err is
// meaningful; a failed question never hides the others.
type Result struct {
	Question string
	Answer   synthesis.Answer
	Err      error
}

// Answerer runs a batch of questions against one document with bounded
// concurrency.
type Answerer struct {
	retriever    PassageRetriever
	synthesizer  AnswerSynthesizer
	logs         QueryLogger
	maxQuestions int
	concurrency  int
	timeout      time.Duration
	logger       *slog.Logger
}

func NewAnswerer(
	retriever PassageRetriever,
	synthesizer AnswerSynthesizer,
	logs QueryLogger,
	maxQuestions int,
	concurrency int,
	timeout time.Duration,
	logger *slog.Logger,
) *Answerer {
	return &Answerer{
		retriever:    retriever,
		synthesizer:  synthesizer,
		logs:         logs,
		maxQuestions: maxQuestions,
		concurrency:  concurrency,
		timeout:      timeout,
		logger:       logger,
	}
}

// AnswerAll answers every question, one result slot per question in input
// order. Per-question failures land in their slot; they never cancel the
// siblings.
func (a *Answerer) AnswerAll(ctx context.Context, documentID string, questions []string) ([]Result, error) {
	if len(questions) > a.maxQuestions {
		return nil, &LimitError{
			Kind:   LimitQuestions,
			Limit:  a.maxQuestions,
			Actual: len(questions),
		}
	}
	if len(questions) == 0 {
		return []Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([]Result, len(questions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, question := range questions {
		g.Go(func() error {
			results[i] = a.answerOne(gctx, documentID, question)
			return nil
		})
	}
	// Goroutines report failures through their result slot, never through
	// the group.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (a *Answerer) answerOne(ctx context.Context, documentID, question string) Result {
	result := Result{Question: question}

	passages, err := a.retriever.Retrieve(ctx, question, documentID, 0)
	if err != nil {
		result.Err = err
		a.logQuery(documentID, question, result)
		return result
	}

	answer, err := a.synthesizer.Synthesize(ctx, question, passages)
	if err != nil {
		result.Err = err
		a.logQuery(documentID, question, result)
		return result
	}

	result.Answer = answer
	a.logQuery(documentID, question, result)
	return result
}

// logQuery persists the outcome for auditing. Logging failures are reported
// but never fail the question itself.
func (a *Answerer) logQuery(documentID, question string, result Result) {
	entry := map[string]any{}
	if result.Err != nil {
		entry["error"] = result.Err.Error()
	} else {
		entry["answer"] = result.Answer.Text
		entry["justification"] = result.Answer.Justification
		entry["confidence"] = result.Answer.Confidence
		sources := make([]string, len(result.Answer.Sources))
		for i, s := range result.Answer.Sources {
			sources[i] = s.ID
		}
		entry["sources"] = sources
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		payload = []byte("{}")
	}

	if err := a.logs.SaveQueryLog(storage.QueryLog{
		ID:           uuid.NewString(),
		DocumentID:   documentID,
		Question:     question,
		AskedAt:      time.Now(),
		ResponseJSON: string(payload),
	}); err != nil {
		a.logger.Error("saving query log", "document_id", documentID, "error", err)
	}
}
