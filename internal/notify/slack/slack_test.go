package slack

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/concierge/internal/notify"
)

type mockClient struct {
	calls    int
	channels []string
	errs     []error
}

func (m *mockClient) PostMessageContext(_ context.Context, channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	m.channels = append(m.channels, channelID)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	return channelID, "1700000000.000100", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(SinkOpts{ChannelID: "C1"}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := New(SinkOpts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error for missing channel")
	}
}

func TestNotify_Posts(t *testing.T) {
	mc := &mockClient{}
	s, err := New(SinkOpts{ChannelID: "C1", Client: mc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Notify(context.Background(), notify.Event{Kind: notify.KindRiskEscalated, RiskID: "r1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 1 || mc.channels[0] != "C1" {
		t.Errorf("calls = %d, channels = %v", mc.calls, mc.channels)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	mc := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	s, _ := New(SinkOpts{ChannelID: "C1", Client: mc})

	if err := s.Notify(context.Background(), notify.Event{RiskID: "r1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 2 {
		t.Errorf("calls = %d, want 2", mc.calls)
	}
}

func TestNotify_NonRateLimitErrorNotRetried(t *testing.T) {
	mc := &mockClient{errs: []error{errors.New("channel_not_found")}}
	s, _ := New(SinkOpts{ChannelID: "C1", Client: mc})

	err := s.Notify(context.Background(), notify.Event{RiskID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d, want 1", mc.calls)
	}
}

func TestBuildMessageOptions(t *testing.T) {
	opts := buildMessageOptions(notify.Event{Kind: notify.KindRiskResolved, RiskID: "r1"})
	if len(opts) != 2 {
		t.Errorf("options = %d, want 2", len(opts))
	}
}
