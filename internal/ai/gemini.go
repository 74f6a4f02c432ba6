package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// generator is the slice of *genai.Models used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini implements Classifier, Responder, and relevance scoring on the
// Gemini API. Every call carries its own timeout.
type Gemini struct {
	models  generator
	model   string
	botName string
	timeout time.Duration
}

// GeminiOpts holds parameters for creating a Gemini provider.
type GeminiOpts struct {
	APIKey  string
	Model   string
	BotName string
	Timeout time.Duration
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, opts GeminiOpts) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("ai: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: create gemini client: %w", err)
	}
	return newGemini(client.Models, opts), nil
}

func newGemini(g generator, opts GeminiOpts) *Gemini {
	if opts.Model == "" {
		opts.Model = DefaultGeminiModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.BotName == "" {
		opts.BotName = "客服助手"
	}
	return &Gemini{models: g, model: opts.Model, botName: opts.BotName, timeout: opts.Timeout}
}

const classifyPrompt = `You classify messages posted in a customer-service group chat.
Return JSON {"intent": string, "confidence": number, "need_reply": bool, "need_human": bool}.
intent is one of: chat, service, help, welcome, risk, spam, admin.
Use risk for complaints, refund demands, threats, or strong anger.
Set need_human when the user asks for a person or the situation needs one.`

type classifyResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	NeedReply  bool    `json:"need_reply"`
	NeedHuman  bool    `json:"need_human"`
}

// RecognizeIntent implements Classifier.
func (g *Gemini) RecognizeIntent(ctx context.Context, text string, history []models.Turn) (Classification, error) {
	out, err := g.generate(ctx, classifyPrompt, renderConversation(history, text), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		return Fallback(), err
	}
	var res classifyResult
	if err := json.Unmarshal([]byte(stripFence(out)), &res); err != nil {
		return Fallback(), fmt.Errorf("ai: parse classification %q: %w", out, err)
	}
	intent, ok := ParseIntent(strings.ToLower(strings.TrimSpace(res.Intent)))
	if !ok {
		return Fallback(), fmt.Errorf("ai: unknown intent %q", res.Intent)
	}
	return Classification{
		Intent:     intent,
		Confidence: clamp01(res.Confidence),
		NeedReply:  res.NeedReply,
		NeedHuman:  res.NeedHuman,
	}, nil
}

// GenerateReply implements Responder.
func (g *Gemini) GenerateReply(ctx context.Context, text string, intent Intent, history []models.Turn) (string, error) {
	system := fmt.Sprintf(`You are %s, a polite customer-service assistant in a group chat.
Reply in the user's language in at most three sentences. Do not invent order details.`, g.botName)
	if intent == IntentRisk {
		system += "\nThe user is upset. Apologize, say a staff member will follow up shortly, and do not argue."
	}
	out, err := g.generate(ctx, system, renderConversation(history, text), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.4),
	})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(out)
	if reply == "" {
		return "", fmt.Errorf("ai: empty reply")
	}
	return reply, nil
}

// Score rates how related a staff message is to a complaint, in [0, 1].
func (g *Gemini) Score(ctx context.Context, caseContent, message string) (float64, error) {
	prompt := fmt.Sprintf("Complaint:\n%s\n\nStaff message:\n%s", caseContent, message)
	out, err := g.generate(ctx,
		"Rate from 0 to 1 how directly the staff message addresses the complaint. Answer with the number only.",
		prompt, &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)})
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("ai: parse relevance %q: %w", out, err)
	}
	return clamp01(v), nil
}

func (g *Gemini) generate(ctx context.Context, system, user string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(user), cfg)
	if err != nil {
		return "", fmt.Errorf("ai: gemini generate: %w", err)
	}
	return resp.Text(), nil
}

func renderConversation(history []models.Turn, text string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("New message:\n")
	b.WriteString(text)
	return b.String()
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
