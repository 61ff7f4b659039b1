package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/httputil"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// AnalysisStep is one decomposed unit of work for a user request.
type AnalysisStep struct {
	Order       int    `json:"order"`
	ServiceType string `json:"serviceType"`
	Description string `json:"description"`
	// InputSource is "user" when the step consumes the original request,
	// "previous" when it consumes the prior step's output.
	InputSource string `json:"inputSource"`
	// InputField optionally names the field to extract from the prior
	// step's result.
	InputField string `json:"inputField,omitempty"`
}

// Analysis is the decomposition of a natural-language request.
type Analysis struct {
	IsSingleAgent bool           `json:"isSingleAgent"`
	Steps         []AnalysisStep `json:"steps"`
	Reasoning     string         `json:"reasoning"`
	Confidence    float64        `json:"confidence"`
}

// Analyzer decomposes a free-form request into ordered service steps.
type Analyzer interface {
	Analyze(ctx context.Context, request string) (Analysis, error)
}

// HTTPAnalyzer delegates decomposition to an external reasoning endpoint.
type HTTPAnalyzer struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

func NewHTTPAnalyzer(endpoint string, log *logger.Logger) *HTTPAnalyzer {
	if log == nil {
		log = logger.NewDefault("planner-analyzer")
	}
	return &HTTPAnalyzer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, request string) (Analysis, error) {
	body, err := json.Marshal(map[string]string{"request": request})
	if err != nil {
		return Analysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Analysis{}, fault.Wrap(fault.KindInternal, err, "analyzer request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Analysis{}, fault.Errorf(fault.KindInternal, "analyzer returned status %d", resp.StatusCode)
	}
	var out Analysis
	if err := httputil.DecodeJSON(resp.Body, 1<<20, &out); err != nil {
		return Analysis{}, fault.Wrap(fault.KindInternal, err, "decode analysis")
	}
	if err := validateAnalysis(out); err != nil {
		return Analysis{}, err
	}
	return out, nil
}

// keywordRules maps trigger words to service types, checked in order.
var keywordRules = []struct {
	words       []string
	serviceType string
}{
	{[]string{"image", "picture", "illustration", "draw"}, task.TypeImageGeneration},
	{[]string{"summarize", "summary", "tldr", "condense"}, task.TypeSummaryGeneration},
	{[]string{"market", "competitor", "industry"}, task.TypeMarketResearch},
	{[]string{"research", "investigate", "find out"}, task.TypeResearcher},
	{[]string{"write", "draft", "article", "blog", "essay"}, task.TypeWriter},
}

// KeywordAnalyzer is the offline fallback. It matches trigger words and
// chains research ahead of writing when both appear.
type KeywordAnalyzer struct{}

func NewKeywordAnalyzer() *KeywordAnalyzer { return &KeywordAnalyzer{} }

func (a *KeywordAnalyzer) Analyze(_ context.Context, request string) (Analysis, error) {
	lowered := strings.ToLower(request)

	var types []string
	seen := make(map[string]bool)
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(lowered, w) && !seen[rule.serviceType] {
				types = append(types, rule.serviceType)
				seen[rule.serviceType] = true
				break
			}
		}
	}
	if len(types) == 0 {
		return Analysis{}, fault.Errorf(fault.KindValidation, "could not map request to any known service")
	}

	// Writing consumes research output when both are requested.
	ordered := orderTypes(types)
	steps := make([]AnalysisStep, len(ordered))
	for i, st := range ordered {
		source := "user"
		if i > 0 {
			source = "previous"
		}
		steps[i] = AnalysisStep{
			Order:       i + 1,
			ServiceType: st,
			Description: fmt.Sprintf("%s step derived from request keywords", st),
			InputSource: source,
		}
	}
	return Analysis{
		IsSingleAgent: len(steps) == 1,
		Steps:         steps,
		Reasoning:     "keyword fallback analysis",
		Confidence:    0.5,
	}, nil
}

// orderTypes puts producers before consumers: research feeds writing,
// writing feeds summarization.
func orderTypes(types []string) []string {
	rank := map[string]int{
		task.TypeMarketResearch:    0,
		task.TypeResearcher:        1,
		task.TypeWriter:            2,
		task.TypeSummaryGeneration: 3,
		task.TypeImageGeneration:   4,
	}
	out := append([]string(nil), types...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank[out[j]] < rank[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func validateAnalysis(a Analysis) error {
	if len(a.Steps) == 0 {
		return fault.Errorf(fault.KindValidation, "analysis produced no steps")
	}
	for i, step := range a.Steps {
		if step.Order != i+1 {
			return fault.Errorf(fault.KindValidation, "analysis step order %d at index %d", step.Order, i)
		}
		if !task.KnownType(step.ServiceType) {
			return fault.Errorf(fault.KindValidation, "analysis step %d names unknown service %q", step.Order, step.ServiceType)
		}
		if step.InputSource != "user" && step.InputSource != "previous" {
			return fault.Errorf(fault.KindValidation, "analysis step %d has invalid input source %q", step.Order, step.InputSource)
		}
		if i == 0 && step.InputSource == "previous" {
			return fault.Errorf(fault.KindValidation, "first step cannot consume a previous result")
		}
	}
	return nil
}
