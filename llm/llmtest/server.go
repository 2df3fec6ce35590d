// Package llmtest serves scripted OpenAI-compatible chat completions.
//
// Fixtures are keyed by model name. A model may have a sequence of replies:
// the Nth call to that model returns the Nth fixture, and the last one repeats
// once the sequence is exhausted. This lets a run script an implementer that
// fails validation once and then passes.
//
// On disk, fixtures are JSON files named after the model ("impl.json"), with
// numbered files ("impl.1.json", "impl.2.json") played first in numeric order
// and the base file appended as the repeating fallback.
package llmtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// CapturedRequest is a request the server answered.
type CapturedRequest struct {
	Model     string                         `json:"model"`
	Messages  []openai.ChatCompletionMessage `json:"messages"`
	CallIndex int                            `json:"call_index"` // 1-indexed per model
	Timestamp int64                          `json:"timestamp"`
}

// Server answers /v1/chat/completions from fixtures. It also serves /health,
// /v1/models, /stats and /requests. It is safe for concurrent use.
type Server struct {
	fixtures map[string][]string
	logger   *slog.Logger
	mux      *http.ServeMux

	mu       sync.Mutex
	total    int64
	calls    map[string]int
	requests map[string][]CapturedRequest
}

// NewServer creates a server for fixtures (model -> ordered replies).
func NewServer(fixtures map[string][]string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		fixtures: fixtures,
		logger:   logger,
		mux:      http.NewServeMux(),
		calls:    make(map[string]int),
		requests: make(map[string][]CapturedRequest),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/requests", s.handleRequests)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Calls returns how many completions were served for model.
func (s *Server) Calls(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

// Requests returns the captured requests for model in arrival order.
func (s *Server) Requests(model string) []CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CapturedRequest(nil), s.requests[model]...)
}

// next records the request and picks the fixture for this call.
func (s *Server) next(req openai.ChatCompletionRequest) (string, int, bool) {
	seq, ok := s.fixtures[req.Model]
	if !ok || len(seq) == 0 {
		return "", 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.calls[req.Model]++
	n := s.calls[req.Model]
	s.requests[req.Model] = append(s.requests[req.Model], CapturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: n,
		Timestamp: time.Now().UnixMilli(),
	})
	if n <= len(seq) {
		return seq[n-1], n, true
	}
	return seq[len(seq)-1], n, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, n, ok := s.next(req)
	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	s.logger.Debug("Serving fixture", "model", req.Model, "call", n, "messages", len(req.Messages))

	writeJSON(w, openai.ChatCompletionResponse{
		ID:      fmt.Sprintf("fixture-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]openai.Model, 0, len(names))
	for _, name := range names {
		models = append(models, openai.Model{ID: name, Object: "model", OwnedBy: "llmtest"})
	}
	writeJSON(w, openai.ModelsList{Models: models})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	for m, n := range s.calls {
		byModel[m] = n
	}
	total := s.total
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured requests, optionally filtered by the model
// and call (1-indexed) query parameters.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	call, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]CapturedRequest)
	for m, reqs := range s.requests {
		if model != "" && m != model {
			continue
		}
		for _, req := range reqs {
			if call == 0 || req.CallIndex == call {
				result[m] = append(result[m], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var numberedFixture = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// LoadFixtures reads every *.json file under dir into model sequences.
func LoadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFixture.FindStringSubmatch(d.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for i := range byIndex {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			fixtures[model] = append(fixtures[model], byIndex[i])
		}
	}
	for model, content := range base {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
