// Package ai generates post content and images through an OpenAI-compatible
// endpoint. Generation is always performed before admission and publish; a
// generation failure aborts the publish attempt without consuming quota.
package ai

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"xpilot/internal/errdefs"
	logx "xpilot/pkg/logx"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
}

const (
	defaultModel      = "gpt-4o-mini"
	defaultImageModel = openai.CreateImageModelDallE3
)

// completions is the slice of the OpenAI client the generator uses; tests
// substitute a stub.
type completions interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error)
}

// Persona shapes the voice of generated content. Zero value means neutral.
type Persona struct {
	Name     string
	Tone     string
	Audience string
	Style    string
}

// Request describes one content generation.
type Request struct {
	Prompt   string
	Persona  Persona
	Pillars  []string
	Language string
	// MaxChars caps single-body output; threads cap each segment at the
	// platform short ceiling instead.
	MaxChars int
}

type Generator struct {
	client     completions
	model      string
	imageModel string
	log        logx.Logger
}

func NewGenerator(cfg Config, log logx.Logger) *Generator {
	occ := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		occ.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return newGenerator(openai.NewClientWithConfig(occ), cfg, log)
}

func newGenerator(client completions, cfg Config, log logx.Logger) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	imageModel := strings.TrimSpace(cfg.ImageModel)
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	return &Generator{client: client, model: model, imageModel: imageModel, log: log}
}

// GeneratePost produces a single post body.
func (g *Generator) GeneratePost(ctx context.Context, req Request) (string, error) {
	out, err := g.complete(ctx, systemPrompt(req, false), req.Prompt)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(out)
	if body == "" {
		return "", errdefs.Validationf("ai returned empty content")
	}
	return body, nil
}

// GenerateThread produces ordered thread segments. The model is asked for a
// JSON string array; anything unparsable is a validation failure so the
// caller never publishes garbage.
func (g *Generator) GenerateThread(ctx context.Context, req Request) ([]string, error) {
	out, err := g.complete(ctx, systemPrompt(req, true), req.Prompt)
	if err != nil {
		return nil, err
	}

	var segments []string
	if err := json.Unmarshal([]byte(stripFences(out)), &segments); err != nil {
		return nil, errdefs.Validationf("ai thread output is not a JSON string array: %v", err)
	}

	clean := segments[:0]
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return nil, errdefs.Validationf("ai thread output contained no segments")
	}
	return clean, nil
}

// GenerateImage returns a hosted image URL for the prompt. Callers treat
// failures as best-effort: a post goes out without its image rather than
// not at all.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Model:          g.imageModel,
		Prompt:         prompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", errdefs.Transientf("image generation: %v", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errdefs.Transientf("image generation returned no url")
	}
	return resp.Data[0].URL, nil
}

func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", errdefs.Transientf("chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errdefs.Transientf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func systemPrompt(req Request, thread bool) string {
	var b strings.Builder
	b.WriteString("You write social media posts for X.")
	if req.Persona.Name != "" {
		b.WriteString(" Write as " + req.Persona.Name + ".")
	}
	if req.Persona.Tone != "" {
		b.WriteString(" Tone: " + req.Persona.Tone + ".")
	}
	if req.Persona.Audience != "" {
		b.WriteString(" Audience: " + req.Persona.Audience + ".")
	}
	if req.Persona.Style != "" {
		b.WriteString(" Style: " + req.Persona.Style + ".")
	}
	if len(req.Pillars) > 0 {
		b.WriteString(" Stay within these content pillars: " + strings.Join(req.Pillars, ", ") + ".")
	}
	if req.Language != "" {
		b.WriteString(" Respond in language: " + req.Language + ".")
	}
	if thread {
		b.WriteString(" Return ONLY a JSON array of strings, one per thread segment, max 280 characters each. No prose outside the JSON.")
	} else {
		if req.MaxChars > 0 {
			b.WriteString(" Hard limit: " + strconv.Itoa(req.MaxChars) + " characters.")
		}
		b.WriteString(" Return only the post text, no quotes, no commentary.")
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
