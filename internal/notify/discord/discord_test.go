package discord

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/concierge/internal/notify"
)

type mockSession struct {
	sent []*discordgo.MessageSend
	errs []error
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	m.sent = append(m.sent, data)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(SinkOpts{ChannelID: "c1"}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := New(SinkOpts{Session: &mockSession{}}); err == nil {
		t.Error("expected error for missing channel")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	ms := &mockSession{}
	s, err := New(SinkOpts{ChannelID: "c1", Session: ms})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := notify.Event{Kind: notify.KindRiskEscalated, RiskID: "r1", Reason: "timeout", At: time.Unix(1700000000, 0)}
	if err := s.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(ms.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(ms.sent))
	}
	embed := ms.sent[0].Embeds[0]
	if embed.Title != "Risk case escalated" {
		t.Errorf("Title = %q", embed.Title)
	}
	if embed.Color != 0xd9534f {
		t.Errorf("Color = %x, want d9534f", embed.Color)
	}
}

func TestNotify_RetriesOn429(t *testing.T) {
	ms := &mockSession{errs: []error{&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}}}
	s, _ := New(SinkOpts{ChannelID: "c1", Session: ms})
	s.baseBackoff = time.Millisecond

	if err := s.Notify(context.Background(), notify.Event{RiskID: "r1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(ms.sent) != 1 {
		t.Errorf("sent = %d, want 1 after retry", len(ms.sent))
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"FF0000", 0xff0000},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
