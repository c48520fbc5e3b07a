// Package pipeline drives one verification run through its six stages:
// ingest, quality, copyright, transcription, analysis and finalization.
// Each stage reads the scratch file and reports progress through the
// session store, which stays the sole source of truth.
package pipeline

import "time"

// Single-word failure reasons recorded on terminal failures.
const (
	ReasonFormatProbeFailed  = "format_probe_failed"
	ReasonClippingDetected   = "clipping_detected"
	ReasonExcessiveSilence   = "excessive_silence"
	ReasonVolumeOutOfRange   = "volume_out_of_range"
	ReasonSampleRateTooLow   = "sample_rate_too_low"
	ReasonDurationOutOfRange = "duration_out_of_range"
	ReasonAnalysisFailed     = "analysis_failed"
	ReasonConvertedFFmpeg    = "converted_with_ffmpeg"
)

// copyrightBlockThreshold is the confidence above which a detected match
// blocks approval. Strictly greater-than: a match at exactly 0.80 does
// not block, but is surfaced as a warning.
const copyrightBlockThreshold = 0.8

// QualityReport is the verdict of the external audio quality service.
type QualityReport struct {
	Passed           bool     `json:"passed"`
	Duration         float64  `json:"duration"`
	SampleRate       int      `json:"sample_rate"`
	Channels         int      `json:"channels"`
	BitDepth         int      `json:"bit_depth"`
	RMSDB            float64  `json:"rms_db"`
	ClippingDetected bool     `json:"clipping_detected"`
	SilencePercent   float64  `json:"silence_percent"`
	VolumeOK         bool     `json:"volume_ok"`
	QualityScore     float64  `json:"quality_score"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	FailureReason    string   `json:"failure_reason,omitempty"`
}

// CopyrightMatch is one candidate recording from the fingerprint service.
type CopyrightMatch struct {
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Confidence  float64 `json:"confidence"`
	RecordingID string  `json:"recording_id"`
}

// CopyrightReport is the fingerprint stage outcome. A service error
// downgrades to Checked=false rather than failing the run.
type CopyrightReport struct {
	Checked    bool             `json:"checked"`
	Detected   bool             `json:"detected"`
	Confidence float64          `json:"confidence"`
	Matches    []CopyrightMatch `json:"matches,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// AnalysisResult is the parsed LLM assessment of the dataset.
type AnalysisResult struct {
	QualityScore   float64  `json:"qualityScore"`
	SafetyPassed   bool     `json:"safetyPassed"`
	Insights       []string `json:"insights"`
	Concerns       []string `json:"concerns"`
	RarityScore    int      `json:"rarityScore,omitempty"`
	SuggestedPrice float64  `json:"suggestedPrice,omitempty"`

	SubjectRarityTier string                 `json:"subjectRarityTier,omitempty"`
	SpecificityGrade  string                 `json:"specificityGrade,omitempty"`
	QualityAnalysis   map[string]interface{} `json:"qualityAnalysis,omitempty"`
	PriceAnalysis     map[string]interface{} `json:"priceAnalysis,omitempty"`
	Recommendations   []string               `json:"recommendations,omitempty"`
	OverallSummary    string                 `json:"overallSummary,omitempty"`
}

// FileInsight is the optional per-file assessment of a multi-file
// submission.
type FileInsight struct {
	Name     string   `json:"name"`
	Insights []string `json:"insights,omitempty"`
}

// Results is the shell the pipeline mutates across stages and persists
// once on finalization.
type Results struct {
	Approved     bool             `json:"approved"`
	QualityScore int              `json:"quality_score"`
	Quality      *QualityReport   `json:"quality,omitempty"`
	Copyright    *CopyrightReport `json:"copyright,omitempty"`
	Transcript   string           `json:"transcript,omitempty"`
	Analysis     *AnalysisResult  `json:"analysis,omitempty"`
	FileInsights []FileInsight    `json:"file_insights,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// approved is the single place the verdict is decided: quality passed,
// no high-confidence copyright match, and the safety gate held.
func approved(q *QualityReport, c *CopyrightReport, a *AnalysisResult) bool {
	if q == nil || !q.Passed {
		return false
	}
	if c != nil && c.Detected && c.Confidence > copyrightBlockThreshold {
		return false
	}
	if a == nil || !a.SafetyPassed {
		return false
	}
	return true
}

// scoreQuality reduces the quality report to an integer score in [0,100].
// Deductions are fixed so the same report always scores the same.
func scoreQuality(q *QualityReport) int {
	score := 100
	if q.ClippingDetected {
		score -= 30
	}
	if !q.VolumeOK {
		score -= 20
	}
	if q.SilencePercent > 30 {
		score -= 15
	}
	if q.SampleRate > 0 && q.SampleRate < 16000 {
		score -= 10
	}
	if q.BitDepth > 0 && q.BitDepth < 16 {
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	return score
}
