package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/audionet/verifier/internal/faults"
	"github.com/audionet/verifier/internal/session"
)

// transcriptExcerptLen bounds how much transcript goes into the prompt.
const transcriptExcerptLen = 2000

// Analyzer sends a prompt to the LLM and returns its raw text reply.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// HTTPAnalyzer is a chat-completions client pinned to a low temperature
// so repeated runs over the same material stay close.
type HTTPAnalyzer struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPAnalyzer(url, apiKey string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPAnalyzer{url: url, apiKey: apiKey, model: "gpt-4o", client: client}
}

type analysisChatRequest struct {
	Model       string                `json:"model"`
	Messages    []analysisChatMessage `json:"messages"`
	Temperature float64               `json:"temperature"`
}

type analysisChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(analysisChatRequest{
		Model:       a.model,
		Messages:    []analysisChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.KindNetwork, err, "analysis request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", faults.Wrap(faults.KindNetwork, err, "read analysis response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.New(faults.KindNetwork, fmt.Sprintf("analysis service returned %d", resp.StatusCode))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "decode analysis response")
	}
	if decoded.Error != nil {
		return "", faults.New(faults.KindNetwork, "analysis service error: "+decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", faults.New(faults.KindInternal, "analysis response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// BuildAnalysisPrompt assembles the dataset metadata, quality summary
// and a transcript excerpt into the assessment prompt.
func BuildAnalysisPrompt(meta *session.SubmissionData, q *QualityReport, transcript string) string {
	var b strings.Builder
	b.WriteString("You are reviewing an audio dataset submitted to a marketplace.\n\n")

	b.WriteString("Dataset metadata:\n")
	if meta != nil {
		fmt.Fprintf(&b, "- Title: %s\n", orUnknown(meta.Title))
		fmt.Fprintf(&b, "- Description: %s\n", orUnknown(meta.Description))
		fmt.Fprintf(&b, "- Content type: %s\n", orUnknown(meta.ContentType))
		fmt.Fprintf(&b, "- Domain: %s\n", orUnknown(meta.Domain))
		fmt.Fprintf(&b, "- Use case: %s\n", orUnknown(meta.UseCase))
		if len(meta.Languages) > 0 {
			fmt.Fprintf(&b, "- Languages: %s\n", strings.Join(meta.Languages, ", "))
		}
		if len(meta.Tags) > 0 {
			fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(meta.Tags, ", "))
		}
		if meta.SampleCount > 0 {
			fmt.Fprintf(&b, "- Sample count: %d\n", meta.SampleCount)
		}
	}

	if q != nil {
		b.WriteString("\nTechnical quality:\n")
		fmt.Fprintf(&b, "- Duration: %.1fs, sample rate %d Hz, %d channel(s), %d-bit\n",
			q.Duration, q.SampleRate, q.Channels, q.BitDepth)
		fmt.Fprintf(&b, "- Clipping: %t, silence %.1f%%, volume ok: %t\n",
			q.ClippingDetected, q.SilencePercent, q.VolumeOK)
	}

	excerpt := transcript
	if len(excerpt) > transcriptExcerptLen {
		excerpt = excerpt[:transcriptExcerptLen]
	}
	b.WriteString("\nTranscript excerpt:\n")
	b.WriteString(excerpt)

	b.WriteString("\n\nAssess the dataset and respond with ONLY a JSON object:\n")
	b.WriteString(`{
  "qualityScore": <0.0-1.0>,
  "safetyPassed": <bool, false if the content is harmful or abusive>,
  "insights": ["..."],
  "concerns": ["..."],
  "rarityScore": <3-10>,
  "suggestedPrice": <USD per sample>,
  "subjectRarityTier": "<Critical|High|Medium|Standard|Oversaturated>",
  "specificityGrade": "<A|B|C|D|E|F>",
  "overallSummary": "..."
}`)
	b.WriteString("\nNo markdown fences, no prose outside the JSON.")
	return b.String()
}

// BuildFileInsightsPrompt asks for per-file notes on a multi-file
// submission. The reply format mirrors ParseFileInsights.
func BuildFileInsightsPrompt(files []session.FileMeta, transcript string) string {
	var b strings.Builder
	b.WriteString("The dataset below contains multiple audio files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Name, f.Size)
	}
	excerpt := transcript
	if len(excerpt) > transcriptExcerptLen {
		excerpt = excerpt[:transcriptExcerptLen]
	}
	b.WriteString("\nCombined transcript excerpt:\n")
	b.WriteString(excerpt)
	b.WriteString("\n\nRespond with ONLY a JSON object: {\"files\": [{\"name\": \"...\", \"insights\": [\"...\"]}]}")
	return b.String()
}

// ParseAnalysisResponse turns the raw LLM reply into an AnalysisResult.
// It tolerates markdown fences and clamps numeric fields; when the reply
// is not salvageable it returns safe defaults and ok=false. It never
// panics on malformed input.
func ParseAnalysisResponse(raw string) (*AnalysisResult, bool) {
	cleaned := stripFences(raw)

	var parsed AnalysisResult
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return defaultAnalysis(), false
	}

	parsed.QualityScore = clampFloat(parsed.QualityScore, 0, 1)
	parsed.RarityScore = clampInt(parsed.RarityScore, 3, 10)
	// A zero price means the field was absent.
	if parsed.SuggestedPrice != 0 {
		parsed.SuggestedPrice = clampFloat(parsed.SuggestedPrice, 3, 10)
	}
	if parsed.Insights == nil {
		parsed.Insights = []string{}
	}
	if parsed.Concerns == nil {
		parsed.Concerns = []string{}
	}
	return &parsed, true
}

// ParseFileInsights parses the optional per-file reply. Failures return
// nil; the caller treats the feature as best effort.
func ParseFileInsights(raw string) []FileInsight {
	cleaned := stripFences(raw)
	var parsed struct {
		Files []FileInsight `json:"files"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil
	}
	return parsed.Files
}

// defaultAnalysis is the fallback for unparseable replies: middling
// quality, safety passing, flagged for manual review.
func defaultAnalysis() *AnalysisResult {
	return &AnalysisResult{
		QualityScore: 0.5,
		SafetyPassed: true,
		Insights:     []string{"analysis response could not be parsed, manual review recommended"},
		Concerns:     []string{"unable to parse analysis response"},
		RarityScore:  3,
	}
}

// stripFences removes a leading/trailing markdown code fence and any
// text outside the outermost JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orUnknown(s string) string {
	if s == "" {
		return "(not provided)"
	}
	return s
}
