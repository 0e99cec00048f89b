// Semantic augmentation is optional and off by default (spec §4.7 step 5).
// SemanticIndex is the seam a real embedding-similarity backend plugs into;
// AnthropicSemanticIndex is the shipped default, modeled on the teacher's
// internal/compact.haikuClient (github.com/anthropics/anthropic-sdk-go):
// same client construction, same retry-on-429/5xx loop, same
// API-key-from-env precedence. Claude has no embeddings endpoint, so this
// reuses the lexical candidate pool SearchFulltext already produces and
// asks the model to re-score it for semantic relevance to the query —
// closer to the teacher's own compaction prompting than to a true vector
// index, and still a meaningful second opinion on top of BM25 alone.
package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
)

// SemanticHit is one result from a SemanticIndex lookup.
type SemanticHit struct {
	FrameID string
	Score   float64
}

// SemanticIndex is implemented by an optional external similarity backend.
// Query must respect ctx's deadline — the Retriever always calls it with a
// 500ms timeout (spec §5 "hard timeout: 500 ms").
type SemanticIndex interface {
	Query(ctx context.Context, query string, topK int) ([]SemanticHit, error)
}

// EnvAPIKey names the environment variable NewAnthropicSemanticIndex reads
// the API key from; it takes precedence over an explicit apiKey argument,
// matching the teacher's newHaikuClient.
const EnvAPIKey = "ANTHROPIC_API_KEY"

// DefaultSemanticModel is the Claude model used to score candidates — small
// and fast enough to have a realistic shot at finishing inside the
// retriever's 500ms hard timeout.
const DefaultSemanticModel = "claude-3-5-haiku-20241022"

// candidatePoolSize bounds how many lexical hits get sent to the model for
// re-scoring on every query, keeping the prompt (and the bill) small.
const candidatePoolSize = 30

const (
	maxRetries     = 2
	initialBackoff = 50 * time.Millisecond
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("retriever: anthropic API key required")

var semanticTracer = otel.Tracer("github.com/jonathanpeterwu/stackmemory-sub004/retriever")

var semanticMetrics struct {
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/jonathanpeterwu/stackmemory-sub004/retriever")
	semanticMetrics.calls, _ = m.Int64Counter("stackmemory.retriever.semantic_calls",
		metric.WithDescription("Semantic augmentation calls issued by get_context"),
		metric.WithUnit("{call}"),
	)
	semanticMetrics.errors, _ = m.Int64Counter("stackmemory.retriever.semantic_errors",
		metric.WithDescription("Semantic augmentation calls that errored or timed out"),
		metric.WithUnit("{call}"),
	)
	semanticMetrics.duration, _ = m.Float64Histogram("stackmemory.retriever.semantic_ms",
		metric.WithDescription("Semantic augmentation call latency"),
		metric.WithUnit("ms"),
	)
}

// AnthropicSemanticIndex scores the current lexical candidate pool for a
// project with Claude, standing in for a true embedding index. It never
// fails GetContext: the Retriever already treats every SemanticIndex error
// as best-effort and skips augmentation (spec §4.7 step 5).
type AnthropicSemanticIndex struct {
	client    anthropic.Client
	model     anthropic.Model
	store     storage.Storage
	projectID string
}

// NewAnthropicSemanticIndex builds a Claude-backed SemanticIndex scoped to
// one project. ANTHROPIC_API_KEY, if set, overrides apiKey. opts are passed
// through to the underlying anthropic.Client (e.g. option.WithBaseURL for
// tests).
func NewAnthropicSemanticIndex(store storage.Storage, projectID, apiKey string, opts ...option.RequestOption) (*AnthropicSemanticIndex, error) {
	if envKey := os.Getenv(EnvAPIKey); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicSemanticIndex{
		client:    anthropic.NewClient(clientOpts...),
		model:     anthropic.Model(DefaultSemanticModel),
		store:     store,
		projectID: projectID,
	}, nil
}

// WithModel overrides the scoring model (default DefaultSemanticModel).
func (idx *AnthropicSemanticIndex) WithModel(model string) *AnthropicSemanticIndex {
	idx.model = anthropic.Model(model)
	return idx
}

// candidate is one lexical hit offered to the model for re-scoring.
type candidate struct {
	FrameID string `json:"frame_id"`
	Snippet string `json:"snippet"`
}

// scoredCandidate is the shape the model is asked to return.
type scoredCandidate struct {
	FrameID string  `json:"frame_id"`
	Score   float64 `json:"score"`
}

// Query re-scores the project's current lexical search hits for semantic
// relevance to query and returns the topK by score, descending.
func (idx *AnthropicSemanticIndex) Query(ctx context.Context, query string, topK int) ([]SemanticHit, error) {
	ctx, span := semanticTracer.Start(ctx, "retriever.semantic_query")
	defer span.End()
	span.SetAttributes(
		attribute.String("stackmemory.project_id", idx.projectID),
		attribute.Int("stackmemory.semantic.top_k", topK),
	)
	t0 := time.Now()
	semanticMetrics.calls.Add(ctx, 1)

	hits, err := idx.query(ctx, query, topK)
	semanticMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()))
	span.SetAttributes(attribute.Int("stackmemory.semantic.hits", len(hits)))
	if err != nil {
		semanticMetrics.errors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return hits, err
}

func (idx *AnthropicSemanticIndex) query(ctx context.Context, query string, topK int) ([]SemanticHit, error) {
	pool, err := idx.store.SearchFulltext(ctx, query, storage.SearchFilters{ProjectID: idx.projectID}, candidatePoolSize)
	if err != nil {
		return nil, fmt.Errorf("retriever: candidate pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	seen := map[string]bool{}
	candidates := make([]candidate, 0, len(pool))
	for _, h := range pool {
		if seen[h.FrameID] {
			continue
		}
		seen[h.FrameID] = true
		candidates = append(candidates, candidate{FrameID: h.FrameID, Snippet: h.Snippet})
	}

	prompt, err := renderScoringPrompt(query, candidates)
	if err != nil {
		return nil, fmt.Errorf("retriever: render scoring prompt: %w", err)
	}

	text, err := idx.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var scored []scoredCandidate
	if err := json.Unmarshal([]byte(text), &scored); err != nil {
		return nil, fmt.Errorf("retriever: parse semantic scores: %w", err)
	}

	out := make([]SemanticHit, 0, len(scored))
	for _, s := range scored {
		if seen[s.FrameID] {
			out = append(out, SemanticHit{FrameID: s.FrameID, Score: s.Score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (idx *AnthropicSemanticIndex) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     idx.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(initialBackoff << uint(attempt-1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := idx.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", errors.New("retriever: semantic response had no content blocks")
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", fmt.Errorf("retriever: semantic response block type %q, want text", block.Type)
			}
			return block.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableSemanticErr(err) {
			return "", fmt.Errorf("retriever: non-retryable semantic call: %w", err)
		}
	}
	return "", fmt.Errorf("retriever: semantic call failed after %d attempts: %w", maxRetries+1, lastErr)
}

func isRetryableSemanticErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

const scoringPromptTemplate = `You rank candidate memory frames by relevance to a search query for a coding assistant's memory system.

Query: %s

Candidates (frame_id and a short snippet):
%s

Return ONLY a JSON array, no prose, of {"frame_id": "...", "score": 0.0-1.0} for every candidate above, most relevant first.`

func renderScoringPrompt(query string, candidates []candidate) (string, error) {
	lines, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(scoringPromptTemplate, query, string(lines)), nil
}
