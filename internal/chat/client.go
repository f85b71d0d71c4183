// Package chat is the Gemini content service client: it plans a topic, asks
// each follow-up question, synthesizes the final report, and draws the report
// illustration. Every failure is returned as a *discovery.ServiceError.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fpang/socratic-discovery/internal/assets"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// MaxQuestions caps the number of questions a session may plan.
const MaxQuestions = 12

// ErrNoClient is returned when a call is made before a Gemini client is set.
var ErrNoClient = errors.New("no Gemini client configured")

// Config controls a Client.
type Config struct {
	// Model is the text model. Defaults to GetModelName().
	Model string
	// ImageModel is the illustration model. Defaults to GetImageModelName().
	ImageModel string
	// Grounded enables the Google Search tool for the final report.
	Grounded bool
	// MaxQuestions overrides MaxQuestions when positive.
	MaxQuestions int
	// Sink turns generated image bytes into a displayable reference.
	// Defaults to a DataURISink.
	Sink ImageSink
}

// Client implements the session controller's content service on Gemini.
// The underlying *genai.Client can be swapped at runtime when the user
// supplies a different API key.
type Client struct {
	mu sync.RWMutex
	gc *genai.Client

	model        string
	imageModel   string
	grounded     bool
	maxQuestions int
	sink         ImageSink
}

// NewGeminiClient creates a Gemini API client for the given key.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// New creates a Client. gc may be nil until a key is activated.
func New(gc *genai.Client, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = GetModelName()
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = GetImageModelName()
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = MaxQuestions
	}
	if cfg.Sink == nil {
		cfg.Sink = &DataURISink{}
	}
	return &Client{
		gc:           gc,
		model:        cfg.Model,
		imageModel:   cfg.ImageModel,
		grounded:     cfg.Grounded,
		maxQuestions: cfg.MaxQuestions,
		sink:         cfg.Sink,
	}
}

// UseGenAIClient replaces the underlying Gemini client. Calls already in
// flight finish on the old client.
func (c *Client) UseGenAIClient(gc *genai.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gc = gc
	log.Info().Str("model", c.model).Msg("Gemini client replaced")
}

// Model returns the text model ID.
func (c *Client) Model() string { return c.model }

// ImageModel returns the image model ID.
func (c *Client) ImageModel() string { return c.imageModel }

// Grounded reports whether the report uses Google Search grounding.
func (c *Client) Grounded() bool { return c.grounded }

func (c *Client) current() (*genai.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gc == nil {
		return nil, ErrNoClient
	}
	return c.gc, nil
}

// generate runs one text generation and returns the response. The call's
// latency and outcome are logged and recorded as EMF metrics.
func (c *Client) generate(ctx context.Context, op, prompt string, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	gc, err := c.current()
	if err != nil {
		return nil, discovery.NewServiceError(op, discovery.KindCredential, err)
	}

	log.Debug().
		Str("operation", op).
		Str("model", c.model).
		Int("prompt_length", len(prompt)).
		Msg("Starting Gemini API call")

	start := time.Now()
	resp, err := gc.Models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	duration := time.Since(start)

	rec := metrics.New(metrics.Namespace).
		Dimension("Operation", op).
		Metric("GeminiCallMs", float64(duration.Milliseconds()), metrics.UnitMilliseconds)
	defer rec.Flush()

	if err != nil {
		se := Classify(op, err)
		rec.Dimension("Result", string(se.Kind))
		log.Error().
			Err(err).
			Str("operation", op).
			Str("kind", string(se.Kind)).
			Dur("duration", duration).
			Msg("Gemini API call failed")
		return nil, se
	}
	if resp == nil || len(resp.Candidates) == 0 {
		rec.Dimension("Result", string(discovery.KindInvalidResponse))
		return nil, discovery.NewServiceError(op, discovery.KindInvalidResponse,
			errors.New("received empty response from Gemini API"))
	}

	rec.Dimension("Result", "success")
	log.Debug().
		Str("operation", op).
		Int("response_length", len(resp.Text())).
		Dur("duration", duration).
		Msg("Gemini API response received")
	return resp, nil
}

// jsonConfig is the request configuration for the structured inquiry calls.
func jsonConfig(temperature float32) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: assets.SystemInstructionPrompt}},
		},
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(temperature),
	}
}
