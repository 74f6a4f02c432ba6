package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"google.golang.org/genai"
)

func TestIntentString(t *testing.T) {
	for i := IntentChat; i <= IntentAdmin; i++ {
		got, ok := ParseIntent(i.String())
		if !ok || got != i {
			t.Errorf("ParseIntent(%q) = %v, %v", i.String(), got, ok)
		}
	}
	if _, ok := ParseIntent("shopping"); ok {
		t.Error("ParseIntent accepted unknown label")
	}
	if got := Intent(42).String(); got != "intent(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestKeyword_RecognizeIntent(t *testing.T) {
	tests := []struct {
		text      string
		intent    Intent
		needReply bool
		needHuman bool
	}{
		{"你好", IntentChat, true, false},
		{"我要投诉你们，马上退款", IntentRisk, true, true},
		{"加微信领取兼职日赚500", IntentSpam, false, false},
		{"请问怎么修改收货地址", IntentHelp, true, false},
		{"我的订单什么时候发货", IntentService, true, false},
		{"订单有问题，转人工", IntentService, true, true},
		{"欢迎新人", IntentWelcome, true, false},
		{"/status", IntentAdmin, false, false},
		{"Where is my ORDER?", IntentService, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := Keyword{}.RecognizeIntent(context.Background(), tt.text, nil)
			if err != nil {
				t.Fatalf("RecognizeIntent: %v", err)
			}
			if got.Intent != tt.intent || got.NeedReply != tt.needReply || got.NeedHuman != tt.needHuman {
				t.Errorf("got %v reply=%v human=%v, want %v reply=%v human=%v",
					got.Intent, got.NeedReply, got.NeedHuman, tt.intent, tt.needReply, tt.needHuman)
			}
		})
	}
}

func TestKeyword_GenerateReply(t *testing.T) {
	for i := IntentChat; i <= IntentAdmin; i++ {
		reply, err := Keyword{}.GenerateReply(context.Background(), "x", i, nil)
		if err != nil || reply == "" {
			t.Errorf("GenerateReply(%v) = %q, %v", i, reply, err)
		}
	}
}

type fakeGenerator struct {
	text     string
	err      error
	model    string
	system   string
	user     string
	deadline bool
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	_, f.deadline = ctx.Deadline()
	if cfg != nil && cfg.SystemInstruction != nil && len(cfg.SystemInstruction.Parts) > 0 {
		f.system = cfg.SystemInstruction.Parts[0].Text
	}
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.user = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGemini_RecognizeIntent(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"intent\":\"risk\",\"confidence\":1.4,\"need_reply\":true,\"need_human\":true}\n```"}
	g := newGemini(gen, GeminiOpts{Timeout: time.Second})
	history := []models.Turn{{Role: "user", Text: "上周买的"}}

	got, err := g.RecognizeIntent(context.Background(), "还没发货，我要投诉", history)
	if err != nil {
		t.Fatalf("RecognizeIntent: %v", err)
	}
	want := Classification{Intent: IntentRisk, Confidence: 1, NeedReply: true, NeedHuman: true}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if gen.model != DefaultGeminiModel {
		t.Errorf("model = %q", gen.model)
	}
	if !gen.deadline {
		t.Error("request carried no deadline")
	}
	if !strings.Contains(gen.user, "[user] 上周买的") || !strings.Contains(gen.user, "我要投诉") {
		t.Errorf("prompt missing conversation: %q", gen.user)
	}
}

func TestGemini_RecognizeIntentFallsBack(t *testing.T) {
	tests := map[string]*fakeGenerator{
		"api error":     {err: errors.New("503")},
		"not json":      {text: "risk"},
		"unknown label": {text: `{"intent":"shopping"}`},
	}
	for name, gen := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := newGemini(gen, GeminiOpts{}).RecognizeIntent(context.Background(), "hi", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got != Fallback() {
				t.Errorf("got %+v, want fallback", got)
			}
		})
	}
}

func TestGemini_GenerateReply(t *testing.T) {
	gen := &fakeGenerator{text: "  非常抱歉，客服稍后联系您。 "}
	g := newGemini(gen, GeminiOpts{BotName: "小助手"})

	reply, err := g.GenerateReply(context.Background(), "太差了", IntentRisk, nil)
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if reply != "非常抱歉，客服稍后联系您。" {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(gen.system, "小助手") || !strings.Contains(gen.system, "upset") {
		t.Errorf("system prompt = %q", gen.system)
	}

	gen.text = "   "
	if _, err := g.GenerateReply(context.Background(), "hi", IntentChat, nil); err == nil {
		t.Error("expected error for empty reply")
	}
}

func TestGemini_Score(t *testing.T) {
	tests := []struct {
		text    string
		want    float64
		wantErr bool
	}{
		{"0.82", 0.82, false},
		{" 1.7\n", 1, false},
		{"-2", 0, false},
		{"very related", 0, true},
	}
	for _, tt := range tests {
		got, err := newGemini(&fakeGenerator{text: tt.text}, GeminiOpts{}).Score(context.Background(), "case", "msg")
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Score(%q) = %v, %v; want %v, err=%v", tt.text, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), GeminiOpts{}); err == nil {
		t.Error("expected error for missing api key")
	}
}
