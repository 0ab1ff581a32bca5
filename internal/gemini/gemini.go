// Package gemini is a model.Backend over Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

// generator is the slice of *genai.Models the backend uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements model.Backend.
type Client struct {
	models        generator
	model         string
	allowSuppress bool
}

// NewClient creates a Gemini backend. allowSuppress offers ignore_message.
func NewClient(ctx context.Context, apiKey, modelName string, timeout time.Duration, allowSuppress bool) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{models: client.Models, model: modelName, allowSuppress: allowSuppress}, nil
}

// Chat implements model.Backend.
func (c *Client) Chat(ctx context.Context, messages []ctxpkg.Message, allowFunctions bool) model.Outcome {
	system, contents := toContents(messages)
	if len(contents) == 0 {
		return model.Failure(errors.New("gemini: no user content to send"))
	}
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	var offered []model.Function
	if allowFunctions {
		offered = chatFunctions(c.allowSuppress)
		decls, err := declarations(offered)
		if err != nil {
			return model.Failure(err)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return model.Failure(fmt.Errorf("gemini: generate content: %w", err))
	}
	return interpret(resp, offered)
}

// Image implements model.Backend. Gemini image generation is not wired.
func (c *Client) Image(context.Context, string) model.Outcome {
	return model.Failure(errors.New("gemini: image generation is not supported by this backend"))
}

// chatFunctions is the function set without image_request, which Image can
// never satisfy.
func chatFunctions(allowSuppress bool) []model.Function {
	var fns []model.Function
	for _, fn := range model.Functions(allowSuppress) {
		if fn.Name != model.FuncImageRequest {
			fns = append(fns, fn)
		}
	}
	return fns
}

// toContents lifts the leading system messages into a system instruction.
// Later system notes have no Gemini role and travel as user content.
func toContents(messages []ctxpkg.Message) (*genai.Content, []*genai.Content) {
	var sys []string
	i := 0
	for ; i < len(messages) && messages[i].Role == ctxpkg.RoleSystem; i++ {
		sys = append(sys, messages[i].Content)
	}
	var system *genai.Content
	if len(sys) > 0 {
		system = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
	}

	contents := make([]*genai.Content, 0, len(messages)-i)
	for _, m := range messages[i:] {
		role := genai.Role(genai.RoleUser)
		if m.Role == ctxpkg.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return system, contents
}

type jsonSchema struct {
	Type        string                `json:"type"`
	Description string                `json:"description"`
	Properties  map[string]jsonSchema `json:"properties"`
	Required    []string              `json:"required"`
}

func (s jsonSchema) toGenai() *genai.Schema {
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = p.toGenai()
		}
	}
	return out
}

func declarations(fns []model.Function) ([]*genai.FunctionDeclaration, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(fns))
	for _, fn := range fns {
		var schema jsonSchema
		if err := json.Unmarshal(fn.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("gemini: parameters for %s: %w", fn.Name, err)
		}
		decl := &genai.FunctionDeclaration{Name: fn.Name, Description: fn.Description}
		if len(schema.Properties) > 0 {
			decl.Parameters = schema.toGenai()
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func interpret(resp *genai.GenerateContentResponse, offered []model.Function) model.Outcome {
	if resp == nil || len(resp.Candidates) == 0 {
		return model.Failure(errors.New("gemini: no candidates in response"))
	}
	content := strings.TrimSpace(resp.Text())
	if calls := resp.FunctionCalls(); len(calls) > 0 && isOffered(offered, calls[0].Name) {
		return model.DecodeFunctionArgs(calls[0].Name, calls[0].Args, content)
	}
	if content == "" {
		return model.Failure(errors.New("gemini: empty response"))
	}
	return model.Text(content)
}

func isOffered(fns []model.Function, name string) bool {
	for _, fn := range fns {
		if fn.Name == name {
			return true
		}
	}
	return false
}
