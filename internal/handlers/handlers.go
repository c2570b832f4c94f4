package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/face-kyc/internal/candidate"
	"github.com/example/face-kyc/internal/config"
	"github.com/example/face-kyc/internal/faceprovider"
	"github.com/example/face-kyc/internal/usecase"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 8 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router. The liveness
// probe stays open; every business route sits behind the auth middleware.
func RegisterRoutes(router *gin.Engine, extraction *usecase.ExtractionUseCase, comparison *usecase.ComparisonUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Face extraction service running"})
	})

	authorized := router.Group("/", authMiddleware)
	authorized.POST("/extract_kyc", extractKYC(extraction))
	authorized.POST("/compare_faces", compareFaces(comparison, ""))
	authorized.POST("/compare_faces_compreface", compareFaces(comparison, config.ProviderCompreFace))
	authorized.GET("/result/:id", getResult(comparison))
	authorized.GET("/result/:id/duplicates", getDuplicates(comparison))
	authorized.GET("/metrics", getMetrics(comparison))
}

type faceResponse struct {
	Filename    string `json:"filename"`
	SavedPath   string `json:"saved_path"`
	ImageBase64 string `json:"image_base64"`
}

type extractResponse struct {
	OriginalFile  string         `json:"original_file"`
	EnhancedImage string         `json:"enhanced_image"`
	Faces         []faceResponse `json:"faces"`
}

type summaryResponse struct {
	TotalFaces int `json:"total_faces"`
	FacesFound int `json:"faces_found"`
	Matches    int `json:"matches"`
}

type compareResponse struct {
	RequestID               string                  `json:"request_id"`
	ReferenceImageProcessed bool                    `json:"reference_image_processed"`
	Tolerance               float64                 `json:"tolerance"`
	Threshold               float64                 `json:"threshold"`
	OverallMatch            bool                    `json:"overall_match"`
	AverageConfidence       float64                 `json:"average_confidence"`
	Comparisons             []usecase.PerFaceResult `json:"comparisons"`
	Summary                 summaryResponse         `json:"summary"`
}

func extractKYC(uc *usecase.ExtractionUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload image via form-data key 'file'"})
			return
		}
		data, ok := readUpload(c, file)
		if !ok {
			return
		}

		result, err := uc.Extract(c.Request.Context(), file.Filename, data)
		if err != nil {
			writeError(c, err)
			return
		}

		faces := make([]faceResponse, 0, len(result.Faces))
		for _, f := range result.Faces {
			faces = append(faces, faceResponse{
				Filename:    f.Filename,
				SavedPath:   f.SavedPath,
				ImageBase64: f.Base64,
			})
		}
		c.JSON(http.StatusOK, extractResponse{
			OriginalFile:  result.OriginalFile,
			EnhancedImage: result.EnhancedPath,
			Faces:         faces,
		})
	}
}

func compareFaces(uc *usecase.ComparisonUseCase, providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		refHeader, err := c.FormFile("reference_image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'reference_image' in form-data"})
			return
		}
		reference, ok := readUpload(c, refHeader)
		if !ok {
			return
		}

		policy, err := parsePolicy(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		candidates, err := parseCandidates(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := uc.Compare(c.Request.Context(), providerName, reference, candidates, policy)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, compareResponse{
			RequestID:               result.RequestID,
			ReferenceImageProcessed: true,
			Tolerance:               result.Tolerance,
			Threshold:               result.Threshold,
			OverallMatch:            result.OverallMatch,
			AverageConfidence:       result.AverageConfidence,
			Comparisons:             result.Comparisons,
			Summary: summaryResponse{
				TotalFaces: result.Summary.TotalFaces,
				FacesFound: result.Summary.FacesFound,
				Matches:    result.Summary.Matches,
			},
		})
	}
}

func getResult(uc *usecase.ComparisonUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		log, err := uc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		// Details must stay valid JSON when rendered raw.
		details := log.Details
		if details == "" {
			details = "[]"
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":         log.RequestID,
			"provider":           log.Provider,
			"tolerance":          log.Tolerance,
			"threshold":          log.Threshold,
			"overall_match":      log.OverallMatch,
			"average_confidence": log.AverageConfidence,
			"comparisons":        json.RawMessage(details),
			"summary": summaryResponse{
				TotalFaces: log.TotalFaces,
				FacesFound: log.FacesFound,
				Matches:    log.Matches,
			},
			"created_at": log.CreatedAt,
		})
	}
}

func getDuplicates(uc *usecase.ComparisonUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id":    d.RequestID,
				"provider":      d.Provider,
				"overall_match": d.OverallMatch,
				"created_at":    d.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"duplicates": duplicates,
		})
	}
}

func getMetrics(uc *usecase.ComparisonUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func parsePolicy(c *gin.Context) (usecase.Policy, error) {
	policy := usecase.DefaultPolicy()
	if raw := c.PostForm("tolerance"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || value > 1 {
			return policy, errors.New("tolerance must be a number between 0 and 1")
		}
		policy.Tolerance = value
	}
	if raw := c.PostForm("threshold"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || value > 1 {
			return policy, errors.New("threshold must be a number between 0 and 1")
		}
		policy.Threshold = value
	}
	return policy, nil
}

// parseCandidates resolves the one candidate-encoding field of the request
// into a candidate list. The three forms are mutually exclusive.
func parseCandidates(c *gin.Context) ([]candidate.Candidate, error) {
	var (
		candidates []candidate.Candidate
		forms      int
	)

	if raw := c.PostForm("face_paths"); raw != "" {
		forms++
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return nil, errors.New("face_paths must be a JSON array of strings")
		}
		for _, p := range paths {
			candidates = append(candidates, candidate.FromPath(p))
		}
	}

	if encoded := c.PostFormArray("cropped_faces"); len(encoded) > 0 {
		forms++
		for _, e := range encoded {
			if e != "" {
				candidates = append(candidates, candidate.FromBase64(e))
			}
		}
	}

	if form, err := c.MultipartForm(); err == nil && form != nil {
		if files := form.File["cropped_face_files"]; len(files) > 0 {
			forms++
			for _, header := range files {
				data, err := readFileHeader(header)
				if err != nil {
					return nil, errors.New("failed to read uploaded face file")
				}
				candidates = append(candidates, candidate.FromUpload(data))
			}
		}
	}

	if forms > 1 {
		return nil, errors.New("supply exactly one of 'face_paths', 'cropped_faces', or 'cropped_face_files'")
	}
	return candidates, nil
}

func readUpload(c *gin.Context, header *multipart.FileHeader) ([]byte, bool) {
	if header.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded image exceeds size limit"})
		return nil, false
	}
	data, err := readFileHeader(header)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded image"})
		return nil, false
	}
	return data, true
}

func readFileHeader(header *multipart.FileHeader) ([]byte, error) {
	src, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// writeError maps the internal error taxonomy onto HTTP responses. No
// stack traces or provider payloads cross the boundary.
func writeError(c *gin.Context, err error) {
	var validationErr *candidate.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
		return
	}
	if errors.Is(err, usecase.ErrNoFaceDetected) {
		c.JSON(http.StatusBadRequest, gin.H{"error": usecase.ErrNoFaceDetected.Error()})
		return
	}
	if errors.Is(err, faceprovider.ErrNotConfigured) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var providerErr *faceprovider.ProviderError
	if errors.As(err, &providerErr) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "recognition provider error"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
