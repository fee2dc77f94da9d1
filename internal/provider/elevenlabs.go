// Package provider implements the speech-synthesis and balance-check
// HTTP clients for an ElevenLabs-compatible API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// API endpoints and paths.
const (
	apiTextToSpeech = "/text-to-speech/%s"
	apiSubscription = "/user/subscription"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	acceptAudio       = "application/octet-stream"
)

// Output format. Raw PCM keeps the downstream container handling in one
// place: the orchestrator wraps it into WAV before caching.
const (
	outputFormatPCM = "pcm_24000"
	pcmSampleRate   = 24000
)

// Default values.
const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	DefaultTimeout = 30 * time.Second

	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	defaultModelID = "eleven_multilingual_v2"
)

// Static errors.
var (
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrSecretEmpty        = errors.New("credential secret cannot be empty")
	ErrReceivedEmptyAudio = errors.New("received empty audio data")
)

// RequestError is a structured provider failure carrying the HTTP
// status. Status 401 means the credential itself is invalid and must be
// quarantined for the run; everything else is a transient failure
// eligible for retry with a different credential.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the HTTP status carried by the error.
func (e *RequestError) HTTPStatus() int {
	return e.StatusCode
}

// StatusCode extracts the HTTP status from err, or zero when err is not
// a provider response (for example a network timeout).
func StatusCode(err error) int {
	var requestErr *RequestError

	if errors.As(err, &requestErr) {
		return requestErr.StatusCode
	}

	return 0
}

// Client is an ElevenLabs-compatible synthesis and balance-check client.
// The credential secret is supplied per call so one client serves the
// whole rotating pool.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a provider client. The timeout applies to every request;
// a timed-out synthesis call is treated like any other provider failure.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// synthesisRequest is the JSON payload for speech generation.
type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings carries the provider-specific tuning knobs.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// errorResponse is the provider's structured error body.
type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// subscriptionResponse is the balance-check payload.
type subscriptionResponse struct {
	CharacterCount int `json:"character_count"`
	CharacterLimit int `json:"character_limit"`
}

// Synthesize converts one segment's text into raw 16-bit mono PCM.
func (c *Client) Synthesize(
	ctx context.Context,
	secret, text string,
	tuning core.TuningSettings,
) (*core.SynthesisResult, error) {
	if text == "" {
		return nil, ErrTextEmpty
	}

	if secret == "" {
		return nil, ErrSecretEmpty
	}

	voiceID := tuning.VoiceID
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	modelID := tuning.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}

	requestBody, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       tuning.Stability,
			SimilarityBoost: tuning.Similarity,
			Speed:           tuning.Speed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	url := c.baseURL + fmt.Sprintf(apiTextToSpeech, voiceID) + "?output_format=" + outputFormatPCM

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	httpReq.Header.Set(headerAPIKey, secret)
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, acceptAudio)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send synthesis request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyAudio
	}

	return &core.SynthesisResult{
		PCM:        audioData,
		SampleRate: pcmSampleRate,
	}, nil
}

// CheckBalance queries the subscription endpoint for one credential.
// On success balance = limit - used; any non-2xx response surfaces as a
// RequestError for the pool to map onto credential status.
func (c *Client) CheckBalance(ctx context.Context, secret string) (*core.BalanceInfo, error) {
	if secret == "" {
		return nil, ErrSecretEmpty
	}

	url := c.baseURL + apiSubscription

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance request: %w", err)
	}

	httpReq.Header.Set(headerAPIKey, secret)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send balance request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var subscription subscriptionResponse

	err = json.NewDecoder(resp.Body).Decode(&subscription)
	if err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}

	return &core.BalanceInfo{
		Used:  subscription.CharacterCount,
		Limit: subscription.CharacterLimit,
	}, nil
}

// parseErrorResponse decodes a structured JSON error, falling back to
// the raw body so diagnostics are never lost.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail.Message != "" {
		return &RequestError{
			StatusCode: resp.StatusCode,
			Code:       errorResp.Detail.Status,
			Message:    errorResp.Detail.Message,
		}
	}

	return &RequestError{
		StatusCode: resp.StatusCode,
		Code:       "",
		Message:    string(body),
	}
}
