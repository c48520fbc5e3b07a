package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/audionet/verifier/internal/faults"
)

// maxTranscribeBytes is the hard payload ceiling for the transcription
// provider. Files above it fail the transcription stage outright.
const maxTranscribeBytes = 100 << 20

const transcriptionInstructions = `Transcribe this audio completely and accurately.
Format the output like closed captions:
- Label distinct speakers (Speaker 1, Speaker 2, ...), one line per speaker turn.
- Put non-speech sounds in parentheses, e.g. (door slams), (applause).
- Mark unclear passages as (unintelligible).
Return only the transcript text, no commentary.`

// Transcriber converts raw audio bytes into a text transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// HTTPTranscriber sends the audio inline, base64 encoded, to a
// chat-completions style endpoint that accepts audio content parts.
type HTTPTranscriber struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPTranscriber(url, apiKey string, client *http.Client) *HTTPTranscriber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPTranscriber{url: url, apiKey: apiKey, model: "gpt-4o-audio-preview", client: client}
}

type chatAudioPart struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type chatContentPart struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	InputAudio *chatAudioPart `json:"input_audio,omitempty"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if int64(len(audio)) > maxTranscribeBytes {
		return "", faults.Errorf(faults.KindPayloadTooLarge,
			"audio payload %d bytes exceeds transcription limit %d", len(audio), int64(maxTranscribeBytes))
	}
	if format == "" {
		format = "wav"
	}

	payload := chatRequest{
		Model: t.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: transcriptionInstructions},
				{Type: "input_audio", InputAudio: &chatAudioPart{
					Data:   base64.StdEncoding.EncodeToString(audio),
					Format: format,
				}},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.KindNetwork, err, "transcription request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", faults.Wrap(faults.KindNetwork, err, "read transcription response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.New(faults.KindNetwork, fmt.Sprintf("transcription service returned %d", resp.StatusCode))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "decode transcription response")
	}
	if decoded.Error != nil {
		return "", faults.New(faults.KindNetwork, "transcription service error: "+decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", faults.New(faults.KindInternal, "transcription response has no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}
