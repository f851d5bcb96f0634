// Package gemini implements crawler.Summarizer with Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.5-flash"

const systemPrompt = "You are an analyst writing short company profiles. " +
	"Write at most five lines of plain prose. No headings, no bullet points, no questions. " +
	"Cover what the company does, who it sells to and what sets it apart, based only on the pages provided."

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("gemini returned no text")

// Ensure Summarizer implements crawler.Summarizer at compile time.
var _ crawler.Summarizer = (*Summarizer)(nil)

type generator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config selects the model and API key.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Summarizer asks Gemini for a competitor profile.
type Summarizer struct {
	models      generator
	model       string
	temperature float32
}

// New connects a Gemini API client.
func New(ctx context.Context, cfg Config) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to gemini: %w", err)
	}
	return newWithGenerator(client.Models, cfg), nil
}

func newWithGenerator(models generator, cfg Config) *Summarizer {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.2
	}
	return &Summarizer{models: models, model: model, temperature: temp}
}

// Summarize sends the selected pages and returns the profile text.
func (s *Summarizer) Summarize(ctx context.Context, competitor string, pages []crawler.SummaryInput) (string, error) {
	if len(pages) == 0 {
		return "", errors.New("no pages to summarize")
	}
	result, err := s.models.GenerateContent(ctx, s.model,
		[]*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: BuildUserPrompt(competitor, pages)}},
		}},
		s.buildConfig(),
	)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if result == nil {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (s *Summarizer) buildConfig() *genai.GenerateContentConfig {
	temp := s.temperature
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
		Temperature: &temp,
	}
}

// BuildUserPrompt renders the pages as tagged documents.
func BuildUserPrompt(competitor string, pages []crawler.SummaryInput) string {
	var sb strings.Builder
	if competitor != "" {
		fmt.Fprintf(&sb, "Company: %s\n\n", competitor)
	}
	sb.WriteString("<pages>\n")
	for i, page := range pages {
		sb.WriteString("<page>\n")
		fmt.Fprintf(&sb, "<index>%d</index>\n", i+1)
		fmt.Fprintf(&sb, "<url>%s</url>\n", page.URL)
		if page.Title != "" {
			fmt.Fprintf(&sb, "<title>%s</title>\n", page.Title)
		}
		if page.MetaDescription != "" {
			fmt.Fprintf(&sb, "<description>%s</description>\n", page.MetaDescription)
		}
		fmt.Fprintf(&sb, "<content>%s</content>\n", page.Text)
		sb.WriteString("</page>\n")
	}
	sb.WriteString("</pages>")
	return sb.String()
}
