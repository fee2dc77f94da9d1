package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/provider"
)

const testTimeout = 5 * time.Second

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/text-to-speech/custom-voice", r.URL.Path)
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "secret-key", r.Header.Get("xi-api-key"))

		var payload struct {
			Text          string `json:"text"`
			ModelID       string `json:"model_id"`
			VoiceSettings struct {
				Stability       float64 `json:"stability"`
				SimilarityBoost float64 `json:"similarity_boost"`
				Speed           float64 `json:"speed"`
			} `json:"voice_settings"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Hello there.", payload.Text)
		assert.Equal(t, "eleven_multilingual_v2", payload.ModelID)
		assert.InDelta(t, 0.5, payload.VoiceSettings.Stability, 0.0001)
		assert.InDelta(t, 0.75, payload.VoiceSettings.SimilarityBoost, 0.0001)

		_, _ = w.Write(pcm)
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	tuning := core.DefaultTuningSettings()
	tuning.VoiceID = "custom-voice"

	result, err := client.Synthesize(context.Background(), "secret-key", "Hello there.", tuning)
	require.NoError(t, err)

	assert.Equal(t, pcm, result.PCM)
	assert.Equal(t, 24000, result.SampleRate)
}

func TestSynthesize_UsesDefaultVoice(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/21m00Tcm4TlvDq8ikWAM", r.URL.Path)
		_, _ = w.Write([]byte{0x00, 0x00})
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	_, err := client.Synthesize(context.Background(), "secret-key", "hi", core.DefaultTuningSettings())
	require.NoError(t, err)
}

func TestSynthesize_InputValidation(t *testing.T) {
	t.Parallel()

	client := provider.New("http://localhost:1", testTimeout)

	_, err := client.Synthesize(context.Background(), "secret", "", core.DefaultTuningSettings())
	require.ErrorIs(t, err, provider.ErrTextEmpty)

	_, err = client.Synthesize(context.Background(), "", "text", core.DefaultTuningSettings())
	require.ErrorIs(t, err, provider.ErrSecretEmpty)
}

func TestSynthesize_EmptyAudioIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	_, err := client.Synthesize(context.Background(), "secret", "hi", core.DefaultTuningSettings())
	require.ErrorIs(t, err, provider.ErrReceivedEmptyAudio)
}

func TestSynthesize_UnauthorizedCarriesStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	_, err := client.Synthesize(context.Background(), "bad-key", "hi", core.DefaultTuningSettings())
	require.Error(t, err)

	assert.Equal(t, http.StatusUnauthorized, provider.StatusCode(err))

	var requestErr *provider.RequestError

	require.ErrorAs(t, err, &requestErr)
	assert.Equal(t, "invalid_api_key", requestErr.Code)
	assert.Equal(t, "Invalid API key", requestErr.Message)
}

func TestSynthesize_NonJSONErrorBodyIsPreserved(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	_, err := client.Synthesize(context.Background(), "secret", "hi", core.DefaultTuningSettings())
	require.Error(t, err)

	assert.Equal(t, http.StatusBadGateway, provider.StatusCode(err))
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestCheckBalance_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/user/subscription", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("xi-api-key"))

		_, _ = w.Write([]byte(`{"character_count":1200,"character_limit":10000}`))
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	info, err := client.CheckBalance(context.Background(), "secret-key")
	require.NoError(t, err)

	assert.Equal(t, 1200, info.Used)
	assert.Equal(t, 10000, info.Limit)
	assert.Equal(t, 8800, info.Remaining())
}

func TestCheckBalance_Unauthorized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer server.Close()

	client := provider.New(server.URL, testTimeout)

	_, err := client.CheckBalance(context.Background(), "bad-key")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, provider.StatusCode(err))
}

func TestCheckBalance_EmptySecret(t *testing.T) {
	t.Parallel()

	client := provider.New("http://localhost:1", testTimeout)

	_, err := client.CheckBalance(context.Background(), "")
	require.ErrorIs(t, err, provider.ErrSecretEmpty)
}

func TestStatusCode_NonProviderError(t *testing.T) {
	t.Parallel()

	client := provider.New("http://127.0.0.1:1", time.Second)

	_, err := client.Synthesize(context.Background(), "secret", "hi", core.DefaultTuningSettings())
	require.Error(t, err)
	assert.Equal(t, 0, provider.StatusCode(err))
}

func TestRemaining_FlooredAtZero(t *testing.T) {
	t.Parallel()

	info := core.BalanceInfo{Used: 12000, Limit: 10000}
	assert.Equal(t, 0, info.Remaining())
}
