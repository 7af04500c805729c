package diagnosis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nholik/deployguard/internal/deploy"
)

// ErrNoJSON is returned when a response has no JSON object in it.
var ErrNoJSON = errors.New("response contains no JSON object")

const responseFormat = `Respond with a JSON object:
{
  "rootCause": "string",
  "confidence": 0.0-1.0,
  "reasoning": "string",
  "recommendedActions": ["string"],
  "estimatedRepairTime": minutes as a number,
  "riskAssessment": "string"
}`

// BuildPrompt renders the diagnosis prompt for an error.
func BuildPrompt(in Input, kb KnowledgeBase) string {
	var b strings.Builder
	e := in.Error

	b.WriteString("A deployment step failed.\n\n")
	fmt.Fprintf(&b, "Error type: %s\n", e.Type)
	fmt.Fprintf(&b, "Severity: %s\n", e.Severity)
	fmt.Fprintf(&b, "Phase: %s\n", e.Phase)
	fmt.Fprintf(&b, "Service: %s\n", e.Service)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if in.Attempt > 0 {
		fmt.Fprintf(&b, "Recovery attempt: %d\n", in.Attempt)
	}
	if len(in.Classification.CommonCauses) > 0 {
		b.WriteString("Common causes:\n")
		for _, c := range in.Classification.CommonCauses {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(e.Context) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, e.Context[k])
		}
	}

	if len(e.Attempts) > 0 {
		b.WriteString("\nPrevious recovery attempts:\n")
		for _, a := range e.Attempts {
			fmt.Fprintf(&b, "- %s (success=%t): %s\n", a.Strategy, a.Success, a.Outcome)
		}
	}

	if d := e.Diagnostics; d != nil {
		b.WriteString("\nSystem diagnostics:\n")
		if d.Host != "" {
			fmt.Fprintf(&b, "- host: %s\n", d.Host)
		}
		fmt.Fprintf(&b, "- cpu: %.1f%%, memory: %.1f%%, disk: %.1f%%\n", d.CPUPercent, d.MemoryPercent, d.DiskPercent)
		if len(d.RunningServices) > 0 {
			fmt.Fprintf(&b, "- running services: %s\n", strings.Join(d.RunningServices, ", "))
		}
		for _, line := range d.RecentLogs {
			fmt.Fprintf(&b, "- log: %s\n", line)
		}
	}

	if block := kb.Render(in.Provider); block != "" {
		b.WriteString("\nReference:\n")
		b.WriteString(block)
	}

	b.WriteString("\n")
	b.WriteString(responseFormat)
	return b.String()
}

type rawAnalysis struct {
	RootCause           string          `json:"rootCause"`
	Confidence          float64         `json:"confidence"`
	Reasoning           string          `json:"reasoning"`
	RecommendedActions  []string        `json:"recommendedActions"`
	EstimatedRepairTime json.RawMessage `json:"estimatedRepairTime"`
	RiskAssessment      string          `json:"riskAssessment"`
}

var leadingNumber = regexp.MustCompile(`\d+`)

// ParseAnalysis extracts the analysis object from a free-form model response.
// The object is taken from the first '{' to the last '}'.
func ParseAnalysis(text string) (deploy.Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return deploy.Analysis{}, ErrNoJSON
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return deploy.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	if strings.TrimSpace(raw.RootCause) == "" {
		return deploy.Analysis{}, errors.New("analysis has no rootCause")
	}

	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return deploy.Analysis{
		RootCause:           strings.TrimSpace(raw.RootCause),
		Confidence:          confidence,
		Reasoning:           raw.Reasoning,
		RecommendedActions:  raw.RecommendedActions,
		EstimatedRepairTime: parseMinutes(raw.EstimatedRepairTime),
		RiskAssessment:      raw.RiskAssessment,
	}, nil
}

// parseMinutes accepts 15, 15.5 or "15 minutes".
func parseMinutes(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	digits := leadingNumber.FindString(s)
	if digits == "" {
		return 0
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return v
}
