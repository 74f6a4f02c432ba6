package ai

import (
	"context"
	"strings"

	"github.com/zulandar/concierge/internal/models"
)

// Keyword sets used by Keyword. Matching is case-insensitive substring
// search, checked in the order risk, spam, help, service, welcome.
var (
	riskKeywords = []string{
		"投诉", "退款", "骗子", "垃圾", "举报", "律师", "曝光", "差评", "12315",
		"complain", "refund", "scam", "lawyer", "fraud",
	}

	humanKeywords = []string{"人工", "真人", "转客服", "human", "real person", "agent"}
	spamKeywords  = []string{"加微信", "兼职", "刷单", "代理招募", "日赚", "免费领取", "click here", "earn money"}
	helpKeywords  = []string{"怎么", "如何", "帮助", "怎样", "help", "how to", "how do"}

	serviceKeywords = []string{
		"订单", "发货", "物流", "快递", "价格", "多少钱", "售后", "退货", "发票", "营业时间",
		"order", "shipping", "delivery", "price", "invoice",
	}

	welcomeKeywords = []string{"欢迎", "新人", "新来的", "刚进群", "welcome", "joined"}
)

// Keyword is a rule-based Classifier and Responder.
type Keyword struct{}

// RecognizeIntent implements Classifier.
func (Keyword) RecognizeIntent(_ context.Context, text string, _ []models.Turn) (Classification, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return Classification{Intent: IntentChat, Confidence: 1}, nil
	}
	if strings.HasPrefix(t, "/") {
		return Classification{Intent: IntentAdmin, Confidence: 0.9}, nil
	}
	needHuman := containsAny(t, humanKeywords)
	switch {
	case containsAny(t, riskKeywords):
		return Classification{Intent: IntentRisk, Confidence: 0.85, NeedReply: true, NeedHuman: true}, nil
	case containsAny(t, spamKeywords):
		return Classification{Intent: IntentSpam, Confidence: 0.8}, nil
	case containsAny(t, helpKeywords):
		return Classification{Intent: IntentHelp, Confidence: 0.7, NeedReply: true, NeedHuman: needHuman}, nil
	case containsAny(t, serviceKeywords):
		return Classification{Intent: IntentService, Confidence: 0.7, NeedReply: true, NeedHuman: needHuman}, nil
	case containsAny(t, welcomeKeywords):
		return Classification{Intent: IntentWelcome, Confidence: 0.7, NeedReply: true}, nil
	}
	return Classification{Intent: IntentChat, Confidence: 0.4, NeedReply: true, NeedHuman: needHuman}, nil
}

// GenerateReply implements Responder with fixed templates.
func (Keyword) GenerateReply(_ context.Context, _ string, intent Intent, _ []models.Turn) (string, error) {
	switch intent {
	case IntentRisk:
		return "非常抱歉给您带来不好的体验，已为您转接人工客服，请稍候。", nil
	case IntentService:
		return "您好，已收到您的问题，我们会尽快为您核实处理。", nil
	case IntentHelp:
		return "您好，请描述一下具体遇到的问题，我来帮您看看。", nil
	case IntentWelcome:
		return "欢迎加入！有任何问题都可以随时@我。", nil
	default:
		return "你好！有什么可以帮您的吗？", nil
	}
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
