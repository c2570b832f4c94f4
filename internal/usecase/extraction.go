package usecase

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/candidate"
	"github.com/example/face-kyc/internal/faceprovider"
	"github.com/example/face-kyc/internal/imaging"
	"github.com/example/face-kyc/internal/logging"
)

// FaceRegion is one cropped face candidate produced by extraction. Indices
// are 1-based detection positions; a region that could not be cropped is
// skipped without renumbering, so the sequence may have gaps but an index
// always names the same detection.
type FaceRegion struct {
	Index     int
	Filename  string
	SavedPath string
	Base64    string
}

// ExtractionResult is the outcome of a document extraction request.
type ExtractionResult struct {
	RequestID    string
	OriginalFile string
	EnhancedPath string
	Faces        []FaceRegion
}

// ExtractionUseCase detects faces on a document image, crops each region
// from an enhanced derivative, and persists the crops for later comparison.
type ExtractionUseCase struct {
	providers ProviderSource
	enhancer  imaging.Enhancer
	outputDir string
	logger    *zap.Logger
}

// NewExtractionUseCase constructs the extraction flow.
func NewExtractionUseCase(providers ProviderSource, enhancer imaging.Enhancer, outputDir string, logger *zap.Logger) *ExtractionUseCase {
	return &ExtractionUseCase{
		providers: providers,
		enhancer:  enhancer,
		outputDir: outputDir,
		logger:    logger.Named("extraction_usecase"),
	}
}

// Extract runs detection on the uploaded document and returns every face
// region in detection order. Zero detected faces is a successful outcome
// with an empty list; only a failing detection call is an error.
func (uc *ExtractionUseCase) Extract(ctx context.Context, originalFilename string, imgBytes []byte) (*ExtractionResult, error) {
	requestID := uuid.NewString()
	provider := uc.providers.Primary()
	opLogger := logging.WithProvider(logging.WithOperation(uc.logger, "usecase.extract_faces", requestID), provider.Name())

	img, _, err := imaging.Decode(imgBytes)
	if err != nil {
		return nil, candidate.NewValidationError("uploaded file is not a supported image")
	}

	detections, err := provider.DetectFaces(ctx, imgBytes)
	if err != nil {
		opLogger.Error("face detection failed", zap.Error(err))
		return nil, err
	}

	// Crops are taken from the enhanced derivative, the same image a human
	// reviewer would be shown.
	enhanced := uc.enhancer.Enhance(img)

	// Request-scoped directory so concurrent requests with the same
	// filename never collide.
	requestDir := filepath.Join(uc.outputDir, requestID)
	if err := os.MkdirAll(requestDir, 0o755); err != nil {
		return nil, logging.NewOperationError("usecase.create_output_dir", requestID, err)
	}

	baseName := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))
	if baseName == "" {
		baseName = "image"
	}

	enhancedBytes, err := imaging.EncodeJPEG(enhanced, imaging.DefaultJPEGQuality)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_enhanced", requestID, err)
	}
	enhancedPath := filepath.Join(requestDir, baseName+"_enhanced.jpg")
	if err := os.WriteFile(enhancedPath, enhancedBytes, 0o644); err != nil {
		return nil, logging.NewOperationError("usecase.save_enhanced", requestID, err)
	}

	faces := make([]FaceRegion, 0, len(detections))
	for idx, detection := range detections {
		region, err := uc.cropFace(enhanced, detection, requestDir, baseName, idx+1)
		if err != nil {
			opLogger.Warn("skipping unusable face region", zap.Int("face_index", idx+1), zap.Error(err))
			continue
		}
		faces = append(faces, region)
	}

	opLogger.Info("extraction complete", zap.Int("faces", len(faces)))
	return &ExtractionResult{
		RequestID:    requestID,
		OriginalFile: originalFilename,
		EnhancedPath: enhancedPath,
		Faces:        faces,
	}, nil
}

func (uc *ExtractionUseCase) cropFace(enhanced image.Image, detection faceprovider.Detection, requestDir, baseName string, index int) (FaceRegion, error) {
	crop, err := imaging.Crop(enhanced, detection.Box)
	if err != nil {
		return FaceRegion{}, err
	}

	cropBytes, err := imaging.EncodeJPEG(crop, imaging.DefaultJPEGQuality)
	if err != nil {
		return FaceRegion{}, err
	}

	filename := fmt.Sprintf("%s_face_%d.jpg", baseName, index)
	savedPath := filepath.Join(requestDir, filename)
	if err := os.WriteFile(savedPath, cropBytes, 0o644); err != nil {
		return FaceRegion{}, err
	}

	return FaceRegion{
		Index:     index,
		Filename:  filename,
		SavedPath: savedPath,
		Base64:    base64.StdEncoding.EncodeToString(cropBytes),
	}, nil
}
