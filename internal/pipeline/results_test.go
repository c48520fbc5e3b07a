package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func passedQuality() *QualityReport {
	return &QualityReport{Passed: true, Duration: 2, SampleRate: 16000, Channels: 1, BitDepth: 16, VolumeOK: true}
}

func safeAnalysis() *AnalysisResult {
	return &AnalysisResult{QualityScore: 0.8, SafetyPassed: true}
}

func TestApprovalTruthTable(t *testing.T) {
	cases := []struct {
		name string
		q    *QualityReport
		c    *CopyrightReport
		a    *AnalysisResult
		want bool
	}{
		{"all clear", passedQuality(), &CopyrightReport{Checked: true}, safeAnalysis(), true},
		{"quality failed", &QualityReport{Passed: false}, nil, safeAnalysis(), false},
		{"quality missing", nil, nil, safeAnalysis(), false},
		{"safety failed", passedQuality(), nil, &AnalysisResult{SafetyPassed: false}, false},
		{"analysis missing", passedQuality(), nil, nil, false},
		{"copyright above threshold", passedQuality(),
			&CopyrightReport{Checked: true, Detected: true, Confidence: 0.81}, safeAnalysis(), false},
		{"copyright at threshold passes", passedQuality(),
			&CopyrightReport{Checked: true, Detected: true, Confidence: 0.80}, safeAnalysis(), true},
		{"copyright detected low confidence", passedQuality(),
			&CopyrightReport{Checked: true, Detected: true, Confidence: 0.5}, safeAnalysis(), true},
		{"copyright unchecked", passedQuality(), &CopyrightReport{Checked: false}, safeAnalysis(), true},
		{"high confidence but not detected", passedQuality(),
			&CopyrightReport{Checked: true, Detected: false, Confidence: 0.99}, safeAnalysis(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, approved(tc.q, tc.c, tc.a))
		})
	}
}

func TestScoreQualityDeductions(t *testing.T) {
	assert.Equal(t, 100, scoreQuality(passedQuality()))

	assert.Equal(t, 70, scoreQuality(&QualityReport{VolumeOK: true, ClippingDetected: true}))
	assert.Equal(t, 80, scoreQuality(&QualityReport{VolumeOK: false}))
	assert.Equal(t, 85, scoreQuality(&QualityReport{VolumeOK: true, SilencePercent: 31}))
	assert.Equal(t, 90, scoreQuality(&QualityReport{VolumeOK: true, SampleRate: 8000}))
	assert.Equal(t, 95, scoreQuality(&QualityReport{VolumeOK: true, BitDepth: 8}))

	worst := &QualityReport{
		ClippingDetected: true,
		VolumeOK:         false,
		SilencePercent:   90,
		SampleRate:       8000,
		BitDepth:         8,
	}
	assert.Equal(t, 20, scoreQuality(worst))
	assert.GreaterOrEqual(t, scoreQuality(worst), 0)
}
