package ingress

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/audionet/verifier/internal/audiosig"
	"github.com/audionet/verifier/internal/faults"
	"github.com/audionet/verifier/internal/pipeline"
	"github.com/audionet/verifier/internal/session"
)

// minBlobSize rejects blobs too small to hold any audio header.
const minBlobSize = 1024

type submitRequest struct {
	VerificationID     string                  `json:"verification_id,omitempty"`
	BlobReference      string                  `json:"blob_reference"`
	Identity           string                  `json:"identity"`
	EncryptedObjectHex string                  `json:"encrypted_object_hex"`
	Metadata           *session.SubmissionData `json:"metadata"`
	SessionKeyData     string                  `json:"session_key_data"`
}

type submitResponse struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxFileSizeBytes() {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Errorf(faults.KindPayloadTooLarge,
			"content length %d exceeds limit %d", r.ContentLength, s.cfg.MaxFileSizeBytes()), "")
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.handleLegacyUpload(w, r)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "invalid request body"), "")
		return
	}
	if msg := req.missingFields(); msg != "" {
		s.recordOutcome("rejected")
		s.writeError(w, faults.New(faults.KindBadRequest, "missing required fields: "+msg), "")
		return
	}
	if !s.cfg.EncryptedFlowReady() {
		s.recordOutcome("rejected")
		s.writeError(w, faults.New(faults.KindUnavailable,
			"encrypted submissions not configured (aggregator endpoint or key package missing)"), "")
		return
	}

	sessionKey, err := base64.StdEncoding.DecodeString(req.SessionKeyData)
	if err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "session_key_data is not valid base64"), "")
		return
	}

	plaintext, err := s.decryptor.Decrypt(r.Context(), req.BlobReference, req.EncryptedObjectHex, req.Identity, sessionKey)
	if err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, err, "")
		return
	}

	meta := req.Metadata
	if meta == nil {
		meta = &session.SubmissionData{}
	}
	meta.BlobReference = req.BlobReference

	s.acceptBlob(w, r, req.VerificationID, meta, plaintext)
}

// handleLegacyUpload is the plaintext multipart path, kept behind a
// feature flag for trusted internal tooling.
func (s *Server) handleLegacyUpload(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableLegacyUpload {
		s.recordOutcome("rejected")
		s.writeError(w, faults.New(faults.KindBadRequest, "multipart upload is disabled"), "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSizeBytes())
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "parse multipart form"), "")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "missing file field"), "")
		return
	}
	defer file.Close()

	plaintext, err := io.ReadAll(file)
	if err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "read uploaded file"), "")
		return
	}

	meta := &session.SubmissionData{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), meta); err != nil {
			s.recordOutcome("rejected")
			s.writeError(w, faults.Wrap(faults.KindBadRequest, err, "invalid metadata JSON"), "")
			return
		}
	}

	s.acceptBlob(w, r, "", meta, plaintext)
}

// acceptBlob runs the shared post-decryption path: probe the format,
// persist the scratch file, create the session, dispatch the run.
func (s *Server) acceptBlob(w http.ResponseWriter, r *http.Request, verificationID string, meta *session.SubmissionData, plaintext []byte) {
	if len(plaintext) < minBlobSize {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Errorf(faults.KindBadRequest,
			"decrypted payload is %d bytes, below the %d byte minimum", len(plaintext), minBlobSize),
			pipeline.ReasonFormatProbeFailed)
		return
	}

	format, ok := audiosig.Sniff(plaintext)
	if !ok {
		s.recordOutcome("rejected")
		s.writeError(w, faults.New(faults.KindBadRequest, "payload is not a recognized audio format"),
			pipeline.ReasonFormatProbeFailed)
		return
	}

	scratchPath, err := s.writeScratch(plaintext, format)
	if err != nil {
		s.recordOutcome("rejected")
		s.writeError(w, faults.Wrap(faults.KindInternal, err, "persist scratch file"), "")
		return
	}

	meta.Format = string(format)
	meta.DeclaredSize = int64(len(plaintext))
	if format == audiosig.FormatWAV {
		if info, err := audiosig.ProbeFile(scratchPath); err == nil {
			meta.DurationSeconds = info.Duration()
		}
	}

	id, err := s.store.Create(r.Context(), verificationID, meta)
	if err != nil {
		os.Remove(scratchPath)
		s.recordOutcome("rejected")
		s.writeError(w, err, "")
		return
	}

	job := pipeline.Job{SessionID: id, ScratchPath: scratchPath, Meta: meta}
	if err := s.pool.Dispatch(job); err != nil {
		os.Remove(scratchPath)
		s.store.MarkFailed(r.Context(), id, session.FailureInfo{
			Errors:      []string{"verification capacity exhausted before start"},
			StageFailed: session.StageQueued,
		})
		s.recordOutcome("rejected")
		s.writeError(w, err, "")
		return
	}

	s.recordOutcome("accepted")
	s.logger.Printf("session %s: accepted %s payload (%d bytes)", id, format, len(plaintext))
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID:        id,
		Status:           string(session.StatusProcessing),
		EstimatedSeconds: estimateSeconds(int64(len(plaintext))),
	})
}

func (s *Server) writeScratch(plaintext []byte, format audiosig.Format) (string, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, "verify-*."+string(format))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(plaintext); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if sess == nil {
		s.writeError(w, faults.Errorf(faults.KindNotFound, "session %s not found", id), "")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if sess == nil {
		s.writeError(w, faults.Errorf(faults.KindNotFound, "session %s not found", id), "")
		return
	}

	ok, err := s.store.MarkFailed(r.Context(), id, session.FailureInfo{
		Errors:    []string{"cancelled by user"},
		Cancelled: true,
	})
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if !ok {
		s.writeError(w, faults.Errorf(faults.KindBadRequest,
			"session %s already reached terminal status %s", id, sess.Status), "")
		return
	}

	s.logger.Printf("session %s: cancellation recorded", id)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     string(session.StatusCancelled),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status session.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = session.Status(v)
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, faults.New(faults.KindBadRequest, "limit must be an integer in [1,500]"), "")
			return
		}
		limit = n
	}

	sessions, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOutcome(outcome)
	}
}

// estimateSeconds maps payload size to a rough wall-clock estimate,
// clamped to [10,60].
func estimateSeconds(sizeBytes int64) int {
	mb := int(sizeBytes / (1 << 20))
	if mb < 10 {
		return 10
	}
	if mb > 60 {
		return 60
	}
	return mb
}

// missingFields names the absent mandatory fields, empty when complete.
func (r *submitRequest) missingFields() string {
	var missing []string
	if r.BlobReference == "" {
		missing = append(missing, "blob_reference")
	}
	if r.Identity == "" {
		missing = append(missing, "identity")
	}
	if r.EncryptedObjectHex == "" {
		missing = append(missing, "encrypted_object_hex")
	}
	if r.Metadata == nil {
		missing = append(missing, "metadata")
	}
	if r.SessionKeyData == "" {
		missing = append(missing, "session_key_data")
	}
	return strings.Join(missing, ", ")
}
