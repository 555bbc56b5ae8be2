// Package gemini recovers obfuscated email addresses from page text with a Gemini model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

// maxPromptChars bounds how many bytes of page text are sent per request.
const maxPromptChars = 24000

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

type Resolver struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

type responseSchema struct {
	Emails []string `json:"emails"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"emails": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"emails"},
}

// Resolve asks the model for addresses written in obfuscated form on the page. Only
// answers that pass emails.Extract are returned.
func (r *Resolver) Resolve(ctx context.Context, pageText string) ([]string, error) {
	pageText = strings.TrimSpace(pageText)
	if pageText == "" {
		return nil, nil
	}
	pageText = truncate(pageText, maxPromptChars)

	resp, err := r.client.Models.GenerateContent(
		ctx,
		r.model,
		genai.Text(buildPrompt(pageText)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}
	return parseAnswer(resp.Text())
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseAnswer(text string) ([]string, error) {
	var parsed responseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	var set emails.Set
	for _, candidate := range parsed.Emails {
		for _, addr := range emails.Extract(candidate) {
			set.Add(addr)
		}
	}
	return set.Values(), nil
}

func buildPrompt(pageText string) string {
	return strings.TrimSpace(`
You extract contact email addresses from a business website.
The page text below may write addresses in obfuscated form, for example "info [at] shop [dot] com",
"info(at)shop.com" or "info at shop dot com".

Return ONLY a JSON object with one key:
- emails (array of strings; each a plain address like info@shop.com)

Rules:
- Only include addresses that actually appear on the page, in any form.
- Do not guess or invent addresses.
- If there are none, return an empty array.

Page text:
` + pageText + `
`)
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}
