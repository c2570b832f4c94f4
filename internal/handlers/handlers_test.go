package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/auth"
	"github.com/example/face-kyc/internal/faceprovider"
	"github.com/example/face-kyc/internal/imaging"
	"github.com/example/face-kyc/internal/repository"
	"github.com/example/face-kyc/internal/usecase"
)

const (
	testSecret   = "handler-test-secret"
	testAudience = "face-kyc"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

type stubProvider struct {
	mu          sync.Mutex
	detections  []faceprovider.Detection
	similarity  float64
	compareErr  error
	detectCalls int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) DetectFaces(ctx context.Context, img []byte) ([]faceprovider.Detection, error) {
	s.mu.Lock()
	s.detectCalls++
	s.mu.Unlock()
	return s.detections, nil
}

func (s *stubProvider) CompareFaces(ctx context.Context, a, b []byte) (*faceprovider.CompareResult, error) {
	if s.compareErr != nil {
		return nil, s.compareErr
	}
	return &faceprovider.CompareResult{Similarity: s.similarity, Distance: 1 - s.similarity}, nil
}

type stubProviderSource struct {
	provider faceprovider.Provider
	getErr   error
}

func (s *stubProviderSource) Primary() faceprovider.Provider { return s.provider }

func (s *stubProviderSource) Get(name string) (faceprovider.Provider, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.provider, nil
}

type stubRepo struct {
	mu      sync.Mutex
	logs    []*repository.ComparisonLog
	findErr error
}

func (s *stubRepo) SaveLog(ctx context.Context, log *repository.ComparisonLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *stubRepo) FindByRequestID(ctx context.Context, requestID string) (*repository.ComparisonLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.logs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *stubRepo) FindByReferenceHash(ctx context.Context, sha1Hex, excludeRequestID string) ([]*repository.ComparisonLog, error) {
	return nil, nil
}

func (s *stubRepo) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: 3, MatchCount: 2, AverageConfidence: 0.8, AverageLatencyMs: 40}, nil
}

type noopCache struct{}

func (noopCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (noopCache) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("cache miss")
}

func newTestRouter(t *testing.T, source usecase.ProviderSource, repo usecase.ComparisonRepository) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	comparison := usecase.NewComparisonUseCase(source, repo, noopCache{}, 4, logger)
	extraction := usecase.NewExtractionUseCase(source, imaging.NopEnhancer{}, t.TempDir(), logger)

	router := gin.New()
	RegisterRoutes(router, extraction, comparison, auth.JWTMiddleware(testSecret, testAudience))
	return router
}

func signedToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

type multipartRequest struct {
	buf    bytes.Buffer
	writer *multipart.Writer
}

func newMultipartRequest() *multipartRequest {
	r := &multipartRequest{}
	r.writer = multipart.NewWriter(&r.buf)
	return r
}

func (r *multipartRequest) field(t *testing.T, name, value string) *multipartRequest {
	t.Helper()
	if err := r.writer.WriteField(name, value); err != nil {
		t.Fatalf("failed to write field %s: %v", name, err)
	}
	return r
}

func (r *multipartRequest) file(t *testing.T, field, filename string, data []byte) *multipartRequest {
	t.Helper()
	part, err := r.writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("failed to create form file %s: %v", field, err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write form file %s: %v", field, err)
	}
	return r
}

func (r *multipartRequest) build(t *testing.T, method, path, token string) *http.Request {
	t.Helper()
	if err := r.writer.Close(); err != nil {
		t.Fatalf("failed to finalize multipart body: %v", err)
	}
	req := httptest.NewRequest(method, path, &r.buf)
	req.Header.Set("Content-Type", r.writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func perform(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v\n%s", err, recorder.Body.String())
	}
	return body
}

func documentPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 6), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestPingIsReachableWithoutToken(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	recorder := perform(router, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["status"] != "ok" {
		t.Fatalf("unexpected ping body: %v", body)
	}
}

func TestCompareFacesRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		build(t, http.MethodPost, "/compare_faces", "")
	recorder := perform(router, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCompareFacesMissingReference(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	req := newMultipartRequest().
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "Missing 'reference_image' in form-data" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCompareFacesHappyPath(t *testing.T) {
	provider := &stubProvider{detections: []faceprovider.Detection{{}}, similarity: 0.92}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	if body["reference_image_processed"] != true || body["overall_match"] != true {
		t.Fatalf("unexpected verdict: %v", body)
	}
	if body["tolerance"] != 0.5 || body["threshold"] != 0.8 {
		t.Fatalf("expected default policy in response, got %v", body)
	}
	comparisons, ok := body["comparisons"].([]interface{})
	if !ok || len(comparisons) != 1 {
		t.Fatalf("expected one comparison entry, got %v", body["comparisons"])
	}
	entry := comparisons[0].(map[string]interface{})
	if entry["face_index"] != float64(1) || entry["face_found"] != true || entry["match"] != true {
		t.Fatalf("unexpected comparison entry: %v", entry)
	}
	if entry["confidence"] != 0.92 || entry["meets_threshold"] != true {
		t.Fatalf("unexpected scoring fields: %v", entry)
	}
	summary := body["summary"].(map[string]interface{})
	if summary["total_faces"] != float64(1) || summary["faces_found"] != float64(1) || summary["matches"] != float64(1) {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestCompareFacesAcceptsUploadedCandidateFiles(t *testing.T) {
	provider := &stubProvider{detections: []faceprovider.Detection{{}}, similarity: 0.9}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		file(t, "cropped_face_files", "face1.jpg", jpegMagic).
		file(t, "cropped_face_files", "face2.jpg", jpegMagic).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if len(body["comparisons"].([]interface{})) != 2 {
		t.Fatalf("expected two comparison entries, got %v", body["comparisons"])
	}
}

func TestCompareFacesRejectsMixedCandidateForms(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{detections: []faceprovider.Detection{{}}}}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		file(t, "cropped_face_files", "face.jpg", jpegMagic).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "supply exactly one of 'face_paths', 'cropped_faces', or 'cropped_face_files'" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCompareFacesMissingCandidates(t *testing.T) {
	provider := &stubProvider{detections: []faceprovider.Detection{{}}}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "Missing cropped faces" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCompareFacesRejectsInvalidThreshold(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "threshold", "1.5").
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestCompareFacesReferenceWithoutFace(t *testing.T) {
	provider := &stubProvider{detections: nil}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "No face detected in reference image" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCompareFacesProviderOutage(t *testing.T) {
	provider := &stubProvider{
		detections: []faceprovider.Detection{{}},
		compareErr: &faceprovider.ProviderError{Op: "stub.compare", Transient: true, Err: errors.New("connection refused")},
	}
	// Detection succeeds and every candidate fails, which is a partial
	// outcome, not a gateway error.
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["overall_match"] != false {
		t.Fatalf("expected no overall match, got %v", body)
	}
	entry := body["comparisons"].([]interface{})[0].(map[string]interface{})
	if entry["face_found"] != false || entry["confidence"] != nil {
		t.Fatalf("expected absorbed failure entry, got %v", entry)
	}
}

func TestCompareFacesComprefaceBackendMissing(t *testing.T) {
	source := &stubProviderSource{
		provider: &stubProvider{},
		getErr:   fmt.Errorf("provider %q: %w", "compreface", faceprovider.ErrNotConfigured),
	}
	router := newTestRouter(t, source, &stubRepo{})

	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces_compreface", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestCompareFacesOversizeUpload(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	oversize := bytes.Repeat([]byte{0xAB}, MaxUploadSize+1)
	req := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", oversize).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestExtractKYCWithoutFacesReturnsEmptyArray(t *testing.T) {
	provider := &stubProvider{detections: nil}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "file", "doc.png", documentPNG(t)).
		build(t, http.MethodPost, "/extract_kyc", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte(`"faces":[]`)) {
		t.Fatalf("expected an empty faces array, got %s", recorder.Body.String())
	}
}

func TestExtractKYCReturnsCroppedFaces(t *testing.T) {
	provider := &stubProvider{detections: []faceprovider.Detection{{Box: image.Rect(4, 4, 24, 24)}}}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, &stubRepo{})

	req := newMultipartRequest().
		file(t, "file", "doc.png", documentPNG(t)).
		build(t, http.MethodPost, "/extract_kyc", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	if body["original_file"] != "doc.png" {
		t.Fatalf("unexpected original_file: %v", body["original_file"])
	}
	faces := body["faces"].([]interface{})
	if len(faces) != 1 {
		t.Fatalf("expected one face, got %d", len(faces))
	}
	face := faces[0].(map[string]interface{})
	if face["filename"] != "doc_face_1.jpg" || face["saved_path"] == "" || face["image_base64"] == "" {
		t.Fatalf("unexpected face entry: %v", face)
	}
}

func TestExtractKYCRequiresFile(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	req := newMultipartRequest().
		field(t, "unused", "x").
		build(t, http.MethodPost, "/extract_kyc", signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetResultNotFound(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{findErr: errors.New("not found")})

	req := httptest.NewRequest(http.MethodGet, "/result/unknown", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestGetResultAfterComparison(t *testing.T) {
	provider := &stubProvider{detections: []faceprovider.Detection{{}}, similarity: 0.9}
	repo := &stubRepo{}
	router := newTestRouter(t, &stubProviderSource{provider: provider}, repo)

	compareReq := newMultipartRequest().
		file(t, "reference_image", "ref.jpg", jpegMagic).
		field(t, "cropped_faces", base64.StdEncoding.EncodeToString(jpegMagic)).
		build(t, http.MethodPost, "/compare_faces", signedToken(t))
	compareRec := perform(router, compareReq)
	if compareRec.Code != http.StatusOK {
		t.Fatalf("comparison failed: %d %s", compareRec.Code, compareRec.Body.String())
	}
	requestID := decodeBody(t, compareRec)["request_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/result/"+requestID, nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["request_id"] != requestID || body["overall_match"] != true {
		t.Fatalf("unexpected stored result: %v", body)
	}
	if _, ok := body["comparisons"].([]interface{}); !ok {
		t.Fatalf("expected persisted comparison details, got %v", body["comparisons"])
	}
}

func TestGetResultWithEmptyDetails(t *testing.T) {
	repo := &stubRepo{logs: []*repository.ComparisonLog{{RequestID: "legacy-1", Provider: "azure"}}}
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, repo)

	req := httptest.NewRequest(http.MethodGet, "/result/legacy-1", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	comparisons, ok := body["comparisons"].([]interface{})
	if !ok || len(comparisons) != 0 {
		t.Fatalf("expected empty comparisons array, got %v", body["comparisons"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubProviderSource{provider: &stubProvider{}}, &stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	recorder := perform(router, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["total_requests"] != float64(3) || body["matched_requests"] != float64(2) {
		t.Fatalf("unexpected metrics: %v", body)
	}
}
