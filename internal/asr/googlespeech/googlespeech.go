// Package googlespeech adapts Google Cloud Speech-to-Text v2 to the asr
// contract, one unary Recognize call per audio chunk with speaker
// diarization enabled.
package googlespeech

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"

	"github.com/gmcompanion/livesession/internal/asr"
)

const (
	speechAPIEndpointPort = 443
	defaultSampleRate     = 48000
	defaultChannelCount   = 1
)

// Config describes the Cloud Speech recognizer.
type Config struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Language        string
	Model           string
	SampleRateHertz int32
	ChannelCount    int32
	MinSpeakers     int32
	MaxSpeakers     int32
}

// Client is an asr.Recognizer backed by Cloud Speech v2.
type Client struct {
	client     *speech.Client
	recognizer string
	config     *speechpb.RecognitionConfig
}

// New creates a Cloud Speech recognizer client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en-US"
	}
	sampleRate := cfg.SampleRateHertz
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	channels := cfg.ChannelCount
	if channels <= 0 {
		channels = defaultChannelCount
	}
	minSpeakers := cfg.MinSpeakers
	if minSpeakers <= 0 {
		minSpeakers = 1
	}
	maxSpeakers := cfg.MaxSpeakers
	if maxSpeakers < minSpeakers {
		maxSpeakers = minSpeakers + 5
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(cfg.CredentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	return &Client{
		client:     client,
		recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", projectID, location),
		config: &speechpb.RecognitionConfig{
			Model:         strings.TrimSpace(cfg.Model),
			LanguageCodes: []string{language},
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   sampleRate,
					AudioChannelCount: channels,
				},
			},
			Features: &speechpb.RecognitionFeatures{
				EnableWordConfidence: true,
				DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
					MinSpeakerCount: minSpeakers,
					MaxSpeakerCount: maxSpeakers,
				},
			},
		},
	}, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Recognize transcribes one audio chunk.
func (c *Client) Recognize(ctx context.Context, pcm []byte) (asr.Result, error) {
	resp, err := c.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Recognizer: c.recognizer,
		Config:     c.config,
		AudioSource: &speechpb.RecognizeRequest_Content{
			Content: pcm,
		},
	})
	if err != nil {
		return asr.Result{}, fmt.Errorf("recognize audio: %w", err)
	}
	return mapResponse(resp), nil
}

// mapResponse flattens a recognize response into one chunk result: top
// alternatives concatenated, the dominant word-level speaker label, and the
// mean alternative confidence.
func mapResponse(resp *speechpb.RecognizeResponse) asr.Result {
	var (
		parts      []string
		confidence float64
		scored     int
		speakers   = make(map[string]int)
	)
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		top := alternatives[0]
		text := strings.TrimSpace(top.GetTranscript())
		if text == "" {
			continue
		}
		parts = append(parts, text)
		confidence += float64(top.GetConfidence())
		scored++
		for _, word := range top.GetWords() {
			if label := word.GetSpeakerLabel(); label != "" {
				speakers[label]++
			}
		}
	}

	out := asr.Result{Text: strings.Join(parts, " ")}
	if scored > 0 {
		out.Confidence = confidence / float64(scored)
	}
	best := 0
	for label, count := range speakers {
		if count > best || (count == best && label < out.SpeakerLabel) {
			out.SpeakerLabel = label
			best = count
		}
	}
	out.Finalizable = out.Text != ""
	return out
}

var _ asr.Recognizer = (*Client)(nil)
