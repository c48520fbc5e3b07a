package ingress

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audionet/verifier/internal/config"
	"github.com/audionet/verifier/internal/events"
	"github.com/audionet/verifier/internal/faults"
	"github.com/audionet/verifier/internal/pipeline"
	"github.com/audionet/verifier/internal/session"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	nextID   string
	failPing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*session.Session), nextID: "sess-1"}
}

func (f *fakeStore) Create(_ context.Context, verificationID string, initial *session.SubmissionData) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.sessions[id] = &session.Session{
		ID:             id,
		VerificationID: verificationID,
		Status:         session.StatusProcessing,
		Stage:          session.StageQueued,
		InitialData:    initial,
	}
	return id, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) List(_ context.Context, status session.Status, _ int) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, sess := range f.sessions {
		if status == "" || sess.Status == status {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, info session.FailureInfo) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok || sess.Status.Terminal() {
		return false, nil
	}
	if info.Cancelled {
		sess.Status = session.StatusCancelled
	} else {
		sess.Status = session.StatusFailed
	}
	sess.Stage = session.StageFailed
	return true, nil
}

func (f *fakeStore) Ping(context.Context) error {
	if f.failPing {
		return faults.New(faults.KindStorage, "store down")
	}
	return nil
}

type fakeDecrypter struct {
	plaintext []byte
	err       error
}

func (f *fakeDecrypter) Decrypt(context.Context, string, string, string, []byte) ([]byte, error) {
	return f.plaintext, f.err
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (f *fakeDispatcher) Dispatch(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// buildWAV produces a PCM_16 WAV of the given length at 16 kHz mono.
func buildWAV(seconds float64) []byte {
	const sampleRate = 16000
	dataLen := int(seconds * sampleRate * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:          "0",
		MaxFileSizeGB: 13,
		TempDir:       t.TempDir(),
		AggregatorURL: "http://aggregator.internal",
		KeyPackageID:  "pkg-1",
		KeyServiceURL: "http://keys.internal",
	}
}

func newTestServer(cfg *config.Config, store Store, dec Decrypter, disp Dispatcher) *Server {
	return NewServer(cfg, store, dec, disp, events.NewBus(), nil)
}

func validSubmitBody() []byte {
	body, _ := json.Marshal(submitRequest{
		BlobReference:      "blob-1",
		Identity:           "0x01",
		EncryptedObjectHex: "deadbeef",
		Metadata:           &session.SubmissionData{Title: "t", Description: "d", Contributor: "0x01"},
		SessionKeyData:     base64.StdEncoding.EncodeToString([]byte("key material")),
	})
	return body
}

func doSubmit(srv *Server, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitAcceptsValidEncryptedPayload(t *testing.T) {
	store := newFakeStore()
	disp := &fakeDispatcher{}
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{plaintext: buildWAV(2)}, disp)

	rec := doSubmit(srv, validSubmitBody(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 10, resp.EstimatedSeconds, "small files clamp to the 10s floor")

	require.Len(t, disp.jobs, 1)
	job := disp.jobs[0]
	assert.Equal(t, "sess-1", job.SessionID)
	assert.FileExists(t, job.ScratchPath)
	require.NotNil(t, job.Meta)
	assert.Equal(t, "wav", job.Meta.Format)
	assert.Equal(t, "blob-1", job.Meta.BlobReference)
	assert.InDelta(t, 2.0, job.Meta.DurationSeconds, 0.01)
}

func TestSubmitRequiresBearerWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthToken = "secret"
	srv := newTestServer(cfg, newFakeStore(), &fakeDecrypter{plaintext: buildWAV(2)}, &fakeDispatcher{})

	rec := doSubmit(srv, validSubmitBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doSubmit(srv, validSubmitBody(), http.Header{"Authorization": []string{"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doSubmit(srv, validSubmitBody(), http.Header{"Authorization": []string{"Bearer secret"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitMissingFields(t *testing.T) {
	srv := newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{}, &fakeDispatcher{})

	body, _ := json.Marshal(submitRequest{BlobReference: "blob-1"})
	rec := doSubmit(srv, body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "identity")
	assert.Contains(t, resp.Error, "session_key_data")
}

func TestSubmitUnconfiguredEncryptedFlow(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeyServiceURL = ""
	srv := newTestServer(cfg, newFakeStore(), &fakeDecrypter{}, &fakeDispatcher{})

	rec := doSubmit(srv, validSubmitBody(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitDecryptErrorMapsKind(t *testing.T) {
	cases := []struct {
		kind faults.Kind
		want int
	}{
		{faults.KindAuthentication, http.StatusForbidden},
		{faults.KindNetwork, http.StatusBadGateway},
		{faults.KindTimeout, http.StatusGatewayTimeout},
		{faults.KindDecryption, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(testConfig(t), newFakeStore(),
			&fakeDecrypter{err: faults.New(tc.kind, "nope")}, &fakeDispatcher{})
		rec := doSubmit(srv, validSubmitBody(), nil)
		assert.Equal(t, tc.want, rec.Code, "kind %v", tc.kind)
	}
}

func TestSubmitTinyBlobBoundary(t *testing.T) {
	// 1023 bytes rejects even with a valid header prefix.
	tiny := buildWAV(2)[:1023]
	srv := newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{plaintext: tiny}, &fakeDispatcher{})
	rec := doSubmit(srv, validSubmitBody(), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ReasonFormatProbeFailed, resp.FailureReason)

	// Exactly 1024 bytes with a valid header is accepted.
	okBlob := buildWAV(2)[:1024]
	srv = newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{plaintext: okBlob}, &fakeDispatcher{})
	rec = doSubmit(srv, validSubmitBody(), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestSubmitUnrecognizedFormat(t *testing.T) {
	blob := bytes.Repeat([]byte{0x42}, 2048)
	srv := newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{plaintext: blob}, &fakeDispatcher{})

	rec := doSubmit(srv, validSubmitBody(), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ReasonFormatProbeFailed, resp.FailureReason)
}

func TestSubmitRejectsOversizedDeclaredLength(t *testing.T) {
	srv := newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(validSubmitBody()))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 14 << 30
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitBackpressure(t *testing.T) {
	store := newFakeStore()
	disp := &fakeDispatcher{err: faults.New(faults.KindUnavailable, "capacity exhausted")}
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{plaintext: buildWAV(2)}, disp)

	rec := doSubmit(srv, validSubmitBody(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sess, _ := store.Get(context.Background(), "sess-1")
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusFailed, sess.Status, "undispatched sessions must not stay processing")
}

func TestLegacyUploadDisabledByDefault(t *testing.T) {
	srv := newTestServer(testConfig(t), newFakeStore(), &fakeDecrypter{}, &fakeDispatcher{})

	var body bytes.Buffer
	req := httptest.NewRequest(http.MethodPost, "/verify", &body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "ver-1", &session.SubmissionData{Title: "t"})
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/verify/sess-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "ver-1", sess.VerificationID)

	req = httptest.NewRequest(http.MethodGet, "/verify/unknown", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "ver-1", nil)
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/verify/sess-1/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["status"])

	// Cancelling again hits the terminal guard.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify/sess-1/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify/missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "ver-1", nil)
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/verify?status=processing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(testConfig(t), store, &fakeDecrypter{}, &fakeDispatcher{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	store.failPing = true
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEstimateSecondsClamp(t *testing.T) {
	assert.Equal(t, 10, estimateSeconds(1<<20))
	assert.Equal(t, 10, estimateSeconds(9<<20))
	assert.Equal(t, 25, estimateSeconds(25<<20))
	assert.Equal(t, 60, estimateSeconds(61<<20))
	assert.Equal(t, 60, estimateSeconds(10<<30))
}

func TestScratchFileRemovedWhenDispatchFails(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(cfg, newFakeStore(), &fakeDecrypter{plaintext: buildWAV(2)}, &fakeDispatcher{err: faults.New(faults.KindUnavailable, "full")})

	rec := doSubmit(srv, validSubmitBody(), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected submissions must not leak scratch files")
}
