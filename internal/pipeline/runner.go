package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/audionet/verifier/internal/embedding"
	"github.com/audionet/verifier/internal/events"
	"github.com/audionet/verifier/internal/metrics"
	"github.com/audionet/verifier/internal/rewards"
	"github.com/audionet/verifier/internal/session"
)

// Progress checkpoints. The store only ever sees these values, so a
// reader polling status can tell exactly which stage a run is in.
const (
	progressIngest          = 0.05
	progressQualityStart    = 0.15
	progressQualityDone     = 0.30
	progressCopyrightStart  = 0.35
	progressCopyrightDone   = 0.45
	progressTranscribeStart = 0.55
	progressTranscribeDone  = 0.65
	progressAnalysisStart   = 0.75
	progressAnalysisDone    = 0.85
	progressFinalizing      = 0.95
)

// embedExcerptLen bounds the transcript slice sent to the embedding
// service during analysis.
const embedExcerptLen = 512

// SessionStore is the slice of the session store the runner needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	UpdateStage(ctx context.Context, id string, stage session.Stage, progress float64) (bool, error)
	MarkCompleted(ctx context.Context, id string, results interface{}) (bool, error)
	MarkFailed(ctx context.Context, id string, info session.FailureInfo) (bool, error)
	AddWarnings(ctx context.Context, id string, warnings []string) error
}

// RewardSink receives the award for an approved run. Implementations
// must be idempotent per session.
type RewardSink interface {
	Apply(ctx context.Context, award rewards.Award) error
}

// Job is one accepted submission handed from the ingress gate to the
// worker pool. The scratch file already holds the decrypted audio.
type Job struct {
	SessionID   string
	ScratchPath string
	Meta        *session.SubmissionData
}

// Deps collects the runner's collaborators. Optional fields (Rewards,
// Embeddings, Events, Metrics) may be nil.
type Deps struct {
	Store       SessionStore
	Quality     QualityChecker
	Fingerprint FingerprintMatcher
	Transcriber Transcriber
	Analyzer    Analyzer
	Rewards     RewardSink
	Embeddings  *embedding.Service
	Events      events.Publisher
	Metrics     *metrics.Metrics
}

// Runner executes the verification stages for one job at a time.
type Runner struct {
	deps          Deps
	logger        *log.Logger
	maxAudioBytes int64
}

func NewRunner(deps Deps) *Runner {
	return &Runner{
		deps:          deps,
		logger:        log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		maxAudioBytes: maxTranscribeBytes,
	}
}

// Run drives the job to a terminal state. It never returns an error:
// every outcome, including a panic in a stage, ends in mark_completed or
// mark_failed plus scratch removal.
func (r *Runner) Run(ctx context.Context, job Job) {
	scratch := NewScratch(job.ScratchPath)
	defer scratch.Remove()

	if m := r.deps.Metrics; m != nil {
		m.PipelineStarted()
		defer m.PipelineFinished()
	}

	stage := session.StageIngesting
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("session %s: panic in stage %s: %v", job.SessionID, stage, rec)
			r.fail(ctx, job.SessionID, stage, false, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	meta := job.Meta
	if meta == nil {
		meta = &session.SubmissionData{}
	}

	results := &Results{}

	// Stage 1: ingest already happened in the gate; record the handoff.
	r.progress(ctx, job.SessionID, session.StageIngesting, progressIngest)
	if r.cancelled(ctx, job.SessionID) {
		return
	}

	// Stage 2: technical quality.
	stage = session.StageQuality
	r.progress(ctx, job.SessionID, stage, progressQualityStart)
	started := time.Now()
	q, err := r.deps.Quality.Check(ctx, scratch.Path())
	r.observe(stage, started)
	if err != nil {
		r.fail(ctx, job.SessionID, stage, false, fmt.Sprintf("quality check failed: %v", err))
		return
	}
	if len(q.Warnings) > 0 {
		r.warn(ctx, job.SessionID, q.Warnings)
	}
	results.Quality = q
	results.QualityScore = scoreQuality(q)
	if !q.Passed {
		reason := q.FailureReason
		if reason == "" {
			reason = qualityFailureReason(q)
		}
		msgs := append([]string{reason}, q.Errors...)
		r.fail(ctx, job.SessionID, stage, false, msgs...)
		return
	}
	r.progress(ctx, job.SessionID, stage, progressQualityDone)
	if r.cancelled(ctx, job.SessionID) {
		return
	}

	// Stage 3: copyright. Matcher errors downgrade, never fail the run.
	stage = session.StageCopyright
	r.progress(ctx, job.SessionID, stage, progressCopyrightStart)
	started = time.Now()
	c, err := r.deps.Fingerprint.Match(ctx, scratch.Path())
	r.observe(stage, started)
	if err != nil {
		r.logger.Printf("session %s: copyright check failed: %v", job.SessionID, err)
		c = &CopyrightReport{Checked: false, Error: err.Error()}
		r.warn(ctx, job.SessionID, []string{"copyright check unavailable, submission not screened"})
	}
	results.Copyright = c
	if c.Detected && c.Confidence == copyrightBlockThreshold {
		r.warn(ctx, job.SessionID, []string{
			fmt.Sprintf("copyright match at threshold confidence %.2f, not blocking", c.Confidence),
		})
	}
	r.progress(ctx, job.SessionID, stage, progressCopyrightDone)
	if r.cancelled(ctx, job.SessionID) {
		return
	}

	// Stage 4: transcription. The provider cap is checked against the
	// file size first; an oversized blob is never read into memory.
	stage = session.StageTranscription
	r.progress(ctx, job.SessionID, stage, progressTranscribeStart)
	size, err := scratch.Size()
	if err != nil {
		r.fail(ctx, job.SessionID, stage, false, fmt.Sprintf("stat scratch file: %v", err))
		return
	}
	if size > r.maxAudioBytes {
		r.fail(ctx, job.SessionID, stage, false,
			fmt.Sprintf("audio payload %d bytes exceeds transcription limit %d", size, r.maxAudioBytes))
		return
	}
	audio, err := os.ReadFile(scratch.Path())
	if err != nil {
		r.fail(ctx, job.SessionID, stage, false, fmt.Sprintf("read scratch file: %v", err))
		return
	}
	started = time.Now()
	transcript, err := r.deps.Transcriber.Transcribe(ctx, audio, meta.Format)
	r.observe(stage, started)
	audio = nil
	if err != nil {
		r.fail(ctx, job.SessionID, stage, false, fmt.Sprintf("transcription failed: %v", err))
		return
	}
	if transcript == "" {
		r.fail(ctx, job.SessionID, stage, false, "transcription returned an empty transcript")
		return
	}
	results.Transcript = transcript
	r.progress(ctx, job.SessionID, stage, progressTranscribeDone)
	if r.cancelled(ctx, job.SessionID) {
		return
	}

	// Stage 5: content analysis.
	stage = session.StageAnalysis
	r.progress(ctx, job.SessionID, stage, progressAnalysisStart)
	started = time.Now()
	raw, err := r.deps.Analyzer.Analyze(ctx, BuildAnalysisPrompt(meta, q, transcript))
	r.observe(stage, started)
	if err != nil {
		r.fail(ctx, job.SessionID, stage, false, ReasonAnalysisFailed, err.Error())
		return
	}
	analysis, ok := ParseAnalysisResponse(raw)
	if !ok {
		r.warn(ctx, job.SessionID, []string{"analysis response unparseable, defaults applied"})
	}
	results.Analysis = analysis

	if len(meta.Files) > 1 {
		results.FileInsights = r.fileInsights(ctx, job.SessionID, meta.Files, transcript)
	}
	r.embedTranscript(ctx, job.SessionID, transcript)
	r.progress(ctx, job.SessionID, stage, progressAnalysisDone)
	if r.cancelled(ctx, job.SessionID) {
		return
	}

	// Stage 6: finalize.
	stage = session.StageFinalizing
	r.progress(ctx, job.SessionID, stage, progressFinalizing)
	results.Approved = approved(q, c, analysis)
	results.CompletedAt = time.Now().UTC()

	done, err := r.deps.Store.MarkCompleted(ctx, job.SessionID, results)
	if err != nil {
		r.logger.Printf("session %s: mark_completed failed: %v", job.SessionID, err)
		return
	}
	if !done {
		// Session reached a terminal state underneath us (cancel race).
		return
	}

	r.publish(ctx, job.SessionID, session.StatusCompleted, session.StageCompleted, 1.0)
	if m := r.deps.Metrics; m != nil {
		m.RecordOutcome("completed")
	}
	r.logger.Printf("session %s: completed, approved=%t score=%d", job.SessionID, results.Approved, results.QualityScore)

	if results.Approved {
		r.applyRewards(ctx, job.SessionID, meta, results)
	}
}

// applyRewards hands the award to the sink. Failures log only: the
// session is already completed and the sink is idempotent, so a retry
// job can settle it later.
func (r *Runner) applyRewards(ctx context.Context, id string, meta *session.SubmissionData, results *Results) {
	if r.deps.Rewards == nil {
		return
	}
	if meta.Contributor == "" {
		r.logger.Printf("session %s: no contributor wallet, skipping rewards", id)
		return
	}

	award := rewards.Award{
		SessionID:          id,
		Contributor:        meta.Contributor,
		QualityScore:       float64(results.QualityScore) / 100,
		SampleCount:        meta.SampleCount,
		IsFirstBulk:        meta.IsFirstBulk,
		VerificationStatus: meta.VerificationStatus,
	}
	if results.Analysis != nil {
		award.RarityScore = float64(results.Analysis.RarityScore)
		award.SubjectRarityTier = results.Analysis.SubjectRarityTier
		award.SpecificityGrade = results.Analysis.SpecificityGrade
	}
	if err := r.deps.Rewards.Apply(ctx, award); err != nil {
		r.logger.Printf("session %s: reward application failed: %v", id, err)
	}
}

func (r *Runner) fileInsights(ctx context.Context, id string, files []session.FileMeta, transcript string) []FileInsight {
	raw, err := r.deps.Analyzer.Analyze(ctx, BuildFileInsightsPrompt(files, transcript))
	if err != nil {
		r.logger.Printf("session %s: per-file analysis failed: %v", id, err)
		return nil
	}
	return ParseFileInsights(raw)
}

func (r *Runner) embedTranscript(ctx context.Context, id, transcript string) {
	if !r.deps.Embeddings.Enabled() {
		return
	}
	excerpt := transcript
	if len(excerpt) > embedExcerptLen {
		excerpt = excerpt[:embedExcerptLen]
	}
	if _, err := r.deps.Embeddings.Embed(ctx, excerpt); err != nil {
		r.logger.Printf("session %s: transcript embedding failed: %v", id, err)
	}
}

// cancelled polls the store for an externally requested cancel. A store
// read error is treated as not cancelled; the next terminal write is
// guarded anyway.
func (r *Runner) cancelled(ctx context.Context, id string) bool {
	sess, err := r.deps.Store.Get(ctx, id)
	if err != nil || sess == nil {
		return false
	}
	if sess.Status == session.StatusCancelled {
		r.logger.Printf("session %s: cancelled, abandoning run", id)
		if m := r.deps.Metrics; m != nil {
			m.RecordOutcome("cancelled")
		}
		return true
	}
	return sess.Status.Terminal()
}

func (r *Runner) progress(ctx context.Context, id string, stage session.Stage, p float64) {
	if _, err := r.deps.Store.UpdateStage(ctx, id, stage, p); err != nil {
		r.logger.Printf("session %s: progress update %s/%.2f failed: %v", id, stage, p, err)
		return
	}
	r.publish(ctx, id, session.StatusProcessing, stage, p)
}

func (r *Runner) publish(_ context.Context, id string, status session.Status, stage session.Stage, p float64) {
	if r.deps.Events == nil {
		return
	}
	r.deps.Events.Publish(events.ProgressEvent{
		SessionID: id,
		Status:    status,
		Stage:     stage,
		Progress:  p,
		Time:      time.Now().UTC(),
	})
}

func (r *Runner) warn(ctx context.Context, id string, warnings []string) {
	if err := r.deps.Store.AddWarnings(ctx, id, warnings); err != nil {
		r.logger.Printf("session %s: record warnings failed: %v", id, err)
		return
	}
	if m := r.deps.Metrics; m != nil {
		m.WarningsRecorded.Add(float64(len(warnings)))
	}
}

// fail marks the session failed. A failure to write the terminal state
// is logged but never escalates.
func (r *Runner) fail(ctx context.Context, id string, stage session.Stage, cancelled bool, msgs ...string) {
	info := session.FailureInfo{
		Errors:      msgs,
		StageFailed: stage,
		Cancelled:   cancelled,
	}
	if _, err := r.deps.Store.MarkFailed(ctx, id, info); err != nil {
		r.logger.Printf("session %s: mark_failed failed: %v", id, err)
	}
	r.publish(ctx, id, session.StatusFailed, session.StageFailed, 0)
	if m := r.deps.Metrics; m != nil {
		m.RecordOutcome("failed")
	}
	r.logger.Printf("session %s: failed in stage %s: %v", id, stage, msgs)
}

func (r *Runner) observe(stage session.Stage, started time.Time) {
	if m := r.deps.Metrics; m != nil {
		m.ObserveStage(string(stage), time.Since(started).Seconds())
	}
}

// qualityFailureReason derives a reason when the quality service did not
// name one itself.
func qualityFailureReason(q *QualityReport) string {
	switch {
	case q.ClippingDetected:
		return ReasonClippingDetected
	case !q.VolumeOK:
		return ReasonVolumeOutOfRange
	case q.SilencePercent > 50:
		return ReasonExcessiveSilence
	case q.SampleRate > 0 && q.SampleRate < 8000:
		return ReasonSampleRateTooLow
	default:
		return ReasonDurationOutOfRange
	}
}
