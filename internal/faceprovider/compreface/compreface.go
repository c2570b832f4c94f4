// Package compreface adapts an on-premise CompreFace deployment to the
// recognition provider contract. Detection and verification are separate
// CompreFace services, each addressed with its own API key.
package compreface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/faceprovider/types"
)

const (
	detectPath = "/api/v1/detection/detect"
	verifyPath = "/api/v1/verification/verify"
)

// Config carries the CompreFace deployment coordinates and service keys.
type Config struct {
	Domain       string
	Port         string
	VerifyAPIKey string
	DetectAPIKey string
}

// Client is a CompreFace backed provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a CompreFace adapter.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("compreface"),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return "compreface" }

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s:%s", c.cfg.Domain, c.cfg.Port)
}

type box struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// DetectFaces locates faces via the CompreFace detection service.
func (c *Client) DetectFaces(ctx context.Context, img []byte) ([]types.Detection, error) {
	if c.cfg.DetectAPIKey == "" {
		return nil, &types.ProviderError{Op: "compreface.detect", Err: errors.New("detection service key is not configured")}
	}

	body, contentType, err := encodeMultipart(map[string][]byte{"file": img})
	if err != nil {
		return nil, types.NewTransportError("compreface.detect", err)
	}

	var parsed struct {
		Result []struct {
			Box box `json:"box"`
		} `json:"result"`
	}
	if err := c.post(ctx, "compreface.detect", detectPath, c.cfg.DetectAPIKey, body, contentType, &parsed); err != nil {
		return nil, err
	}

	detections := make([]types.Detection, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		detections = append(detections, types.Detection{
			Box: image.Rect(r.Box.XMin, r.Box.YMin, r.Box.XMax, r.Box.YMax),
		})
	}
	return detections, nil
}

// CompareFaces verifies the two images via the CompreFace verification
// service. CompreFace reports similarity in [0,1]; distance is derived as
// 1-similarity.
func (c *Client) CompareFaces(ctx context.Context, a, b []byte) (*types.CompareResult, error) {
	body, contentType, err := encodeMultipart(map[string][]byte{
		"source_image": a,
		"target_image": b,
	})
	if err != nil {
		return nil, types.NewTransportError("compreface.verify", err)
	}

	var parsed struct {
		Result []struct {
			FaceMatches []struct {
				Similarity float64 `json:"similarity"`
			} `json:"face_matches"`
		} `json:"result"`
	}
	if err := c.post(ctx, "compreface.verify", verifyPath, c.cfg.VerifyAPIKey, body, contentType, &parsed); err != nil {
		return nil, err
	}

	if len(parsed.Result) == 0 || len(parsed.Result[0].FaceMatches) == 0 {
		return nil, &types.ProviderError{Op: "compreface.verify", Err: errors.New("no face matches in target image")}
	}

	best := 0.0
	for _, m := range parsed.Result[0].FaceMatches {
		if m.Similarity > best {
			best = m.Similarity
		}
	}
	return &types.CompareResult{Similarity: best, Distance: 1 - best}, nil
}

func (c *Client) post(ctx context.Context, op, path, apiKey string, body *bytes.Buffer, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, body)
	if err != nil {
		return types.NewTransportError(op, err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		c.logger.Error("compreface call failed", zap.String("op", op), zap.Int("status", resp.StatusCode))
		return types.NewStatusError(op, resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewTransportError(op, err)
	}
	return nil
}

func encodeMultipart(files map[string][]byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, data := range files {
		part, err := writer.CreateFormFile(field, field+".jpg")
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
