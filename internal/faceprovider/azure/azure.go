// Package azure adapts the Azure Face API to the recognition provider
// contract. Comparison is two-step: detect a transient faceId on each
// image, then verify the pair.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/faceprovider/types"
)

const (
	detectPath = "/face/v1.0/detect"
	verifyPath = "/face/v1.0/verify"

	// Model pair the service has been tuned against.
	detectQuery = "detectionModel=detection_03&recognitionModel=recognition_04&returnRecognitionModel=false"
)

// Config carries the Azure Face resource credentials.
type Config struct {
	Endpoint string
	Key      string
}

// Client is an Azure Face API backed provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs an Azure Face adapter.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("azure_face"),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return "azure" }

type faceRectangle struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type detectedFace struct {
	FaceID        string        `json:"faceId"`
	FaceRectangle faceRectangle `json:"faceRectangle"`
}

// DetectFaces locates faces in the image, preserving Azure's reported order.
func (c *Client) DetectFaces(ctx context.Context, img []byte) ([]types.Detection, error) {
	faces, err := c.detect(ctx, img, false)
	if err != nil {
		return nil, err
	}

	detections := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		r := f.FaceRectangle
		detections = append(detections, types.Detection{
			Box: image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height),
		})
	}
	return detections, nil
}

// CompareFaces verifies whether both images depict the same identity.
// Azure reports a confidence in [0,1]; distance is derived as 1-confidence.
func (c *Client) CompareFaces(ctx context.Context, a, b []byte) (*types.CompareResult, error) {
	idA, err := c.detectFaceID(ctx, a)
	if err != nil {
		return nil, err
	}
	idB, err := c.detectFaceID(ctx, b)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"faceId1": idA, "faceId2": idB})
	if err != nil {
		return nil, types.NewTransportError("azure.verify", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+verifyPath, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewTransportError("azure.verify", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.Key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewTransportError("azure.verify", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Error("face verify failed", zap.Int("status", resp.StatusCode))
		return nil, types.NewStatusError("azure.verify", resp.StatusCode, string(body))
	}

	var verdict struct {
		IsIdentical bool    `json:"isIdentical"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, types.NewTransportError("azure.verify", err)
	}

	return &types.CompareResult{
		Similarity: verdict.Confidence,
		Distance:   1 - verdict.Confidence,
	}, nil
}

// detectFaceID returns the faceId of the first face in the image. An image
// with no detectable face is a permanent failure for the comparison.
func (c *Client) detectFaceID(ctx context.Context, img []byte) (string, error) {
	faces, err := c.detect(ctx, img, true)
	if err != nil {
		return "", err
	}
	if len(faces) == 0 || faces[0].FaceID == "" {
		return "", &types.ProviderError{Op: "azure.detect", Err: errors.New("no face detected in image")}
	}
	return faces[0].FaceID, nil
}

func (c *Client) detect(ctx context.Context, img []byte, returnFaceID bool) ([]detectedFace, error) {
	url := fmt.Sprintf("%s%s?returnFaceId=%t&%s", c.cfg.Endpoint, detectPath, returnFaceID, detectQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(img))
	if err != nil {
		return nil, types.NewTransportError("azure.detect", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.Key)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewTransportError("azure.detect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Error("face detect failed", zap.Int("status", resp.StatusCode))
		return nil, types.NewStatusError("azure.detect", resp.StatusCode, string(body))
	}

	var faces []detectedFace
	if err := json.NewDecoder(resp.Body).Decode(&faces); err != nil {
		return nil, types.NewTransportError("azure.detect", err)
	}
	return faces, nil
}
