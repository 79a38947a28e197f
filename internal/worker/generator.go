package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"permit-pipeline/internal/models"
)

// GenerationRequest is the payload handed to the external document renderer.
type GenerationRequest struct {
	ApplicationID int64  `json:"applicationId"`
	Folio         string `json:"folio,omitempty"`
}

// GenerationResponse is the renderer's verdict. The call is opaque, slow,
// and occasionally hangs; callers impose their own deadline.
type GenerationResponse struct {
	Success        bool       `json:"success"`
	Artifacts      Artifacts  `json:"artifacts"`
	Folio          string     `json:"folio"`
	IssuedAt       *time.Time `json:"issuedAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	ErrorMessage   string     `json:"errorMessage"`
	ScreenshotPath string     `json:"diagnosticArtifactPath"`
}

// Artifacts are the file paths the renderer wrote on success.
type Artifacts struct {
	Permit      string `json:"permit"`
	Receipt     string `json:"receipt"`
	Certificate string `json:"certificate"`
	Plate       string `json:"plate"`
}

// Generator runs one document-generation attempt for an application.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error)
}

// HTTPGenerator calls the renderer service over HTTP. The request inherits
// the caller's context, which carries the hard generation deadline.
type HTTPGenerator struct {
	url        string
	httpClient *http.Client
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		url: url,
		// No client-level timeout: the per-attempt context deadline governs.
		httpClient: &http.Client{},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerationResponse{}, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return GenerationResponse{}, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return GenerationResponse{}, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return GenerationResponse{}, fmt.Errorf("generator unavailable: status %d", resp.StatusCode)
	}

	var out GenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GenerationResponse{}, fmt.Errorf("decode generation response: %w", err)
	}
	return out, nil
}

// output converts a successful response into the atomic row update, filling
// issue/expiry defaults when the renderer omits them.
func (r GenerationResponse) output(validity time.Duration) models.GenerationOutput {
	issued := time.Now().UTC()
	if r.IssuedAt != nil {
		issued = *r.IssuedAt
	}
	expires := issued.Add(validity)
	if r.ExpiresAt != nil {
		expires = *r.ExpiresAt
	}
	return models.GenerationOutput{
		PermitPath:      r.Artifacts.Permit,
		ReceiptPath:     r.Artifacts.Receipt,
		CertificatePath: r.Artifacts.Certificate,
		PlatePath:       r.Artifacts.Plate,
		Folio:           r.Folio,
		IssuedAt:        issued,
		ExpiresAt:       expires,
	}
}
