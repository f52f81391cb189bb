// Package synthesis turns retrieved passages into a grounded answer with
// provenance.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/llm"
)

// NoEvidenceAnswer is returned verbatim when retrieval found nothing
// relevant. No model call happens in that case.
const NoEvidenceAnswer = "The indexed document does not contain enough information to answer this question."

// Generator produces a chat completion.
type Generator interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Answer is a synthesized response. Sources lists exactly the passages the
// model was shown, in the order it saw them.
type Answer struct {
	Text          string
	Justification string
	Confidence    float32
	Sources       []index.ScoredRecord
}

// Synthesizer builds a grounded prompt from passages and parses the model's
// structured reply.
type Synthesizer struct {
	generator       Generator
	maxContextChars int
}

func New(generator Generator, maxContextChars int) *Synthesizer {
	return &Synthesizer{generator: generator, maxContextChars: maxContextChars}
}

const systemPrompt = `You answer questions about a single document using only the numbered passages provided.
Rules:
- Use only information from the passages. Never invent facts.
- If the passages do not answer the question, say so.
- Reply with a JSON object: {"answer": "...", "justification": "...", "confidence": 0.0}
- justification must cite passage ids in square brackets, like [3f2a].
- confidence is your own estimate between 0 and 1.`

// Synthesize answers question from passages. With no passages it returns the
// fixed no-evidence answer without calling the generator.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, passages []index.ScoredRecord) (Answer, error) {
	if len(passages) == 0 {
		return Answer{
			Text:          NoEvidenceAnswer,
			Justification: "No passage in the document scored above the relevance threshold.",
			Confidence:    0,
			Sources:       []index.ScoredRecord{},
		}, nil
	}

	selected := s.fitBudget(passages)

	reply, err := s.generator.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(question, selected)},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}

	answer := parseReply(reply, selected)
	answer.Sources = selected
	return answer, nil
}

// fitBudget drops the lowest-scoring passages until the total text fits the
// context budget. Survivors keep their retrieval order. At least one passage
// always survives.
func (s *Synthesizer) fitBudget(passages []index.ScoredRecord) []index.ScoredRecord {
	if s.maxContextChars <= 0 {
		return passages
	}

	total := 0
	for _, p := range passages {
		total += len(p.Text)
	}
	if total <= s.maxContextChars {
		return passages
	}

	// Rank positions worst first, then mark them dropped until the
	// remainder fits.
	byScore := make([]int, len(passages))
	for i := range byScore {
		byScore[i] = i
	}
	sort.SliceStable(byScore, func(a, b int) bool {
		return passages[byScore[a]].Score < passages[byScore[b]].Score
	})

	dropped := make([]bool, len(passages))
	kept := len(passages)
	for _, pos := range byScore {
		if total <= s.maxContextChars || kept == 1 {
			break
		}
		dropped[pos] = true
		total -= len(passages[pos].Text)
		kept--
	}

	selected := make([]index.ScoredRecord, 0, kept)
	for i, p := range passages {
		if !dropped[i] {
			selected = append(selected, p)
		}
	}
	return selected
}

func buildPrompt(question string, passages []index.ScoredRecord) string {
	var b strings.Builder
	b.WriteString("Passages:\n\n")
	for _, p := range passages {
		fmt.Fprintf(&b, "[%s] (page %d", p.ID, p.Page)
		if p.Section != "" {
			fmt.Fprintf(&b, ", section %s", p.Section)
		}
		fmt.Fprintf(&b, ", score %.2f)\n%s\n\n", p.Score, p.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

type structuredReply struct {
	Answer        string  `json:"answer"`
	Justification string  `json:"justification"`
	Confidence    float32 `json:"confidence"`
}

// parseReply decodes the model's JSON object, tolerating markdown code
// fences. A reply that is not valid JSON becomes the answer text as-is, with
// confidence estimated from the passage scores.
func parseReply(reply string, passages []index.ScoredRecord) Answer {
	cleaned := stripCodeFence(strings.TrimSpace(reply))

	var parsed structuredReply
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed.Answer != "" {
		return Answer{
			Text:          parsed.Answer,
			Justification: parsed.Justification,
			Confidence:    clamp01(parsed.Confidence),
		}
	}

	return Answer{
		Text:          strings.TrimSpace(reply),
		Justification: "",
		Confidence:    heuristicConfidence(passages),
	}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// heuristicConfidence averages the retrieval scores when the model gave no
// usable estimate of its own.
func heuristicConfidence(passages []index.ScoredRecord) float32 {
	if len(passages) == 0 {
		return 0
	}
	var sum float32
	for _, p := range passages {
		sum += p.Score
	}
	return clamp01(sum / float32(len(passages)))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
