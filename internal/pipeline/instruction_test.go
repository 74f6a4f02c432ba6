package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/concierge/internal/queue"
)

func TestParseInstruction(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		mentions []string
		want     Instruction
		ok       bool
	}{
		{
			name: "forward chinese",
			text: "转发给售后群：客户要求换货",
			want: Instruction{Type: queue.TypeForwardMessage, Payload: queue.Payload{Target: "售后群", Content: "客户要求换货"}},
			ok:   true,
		},
		{
			name: "forward english",
			text: "Forward to Ops Team: printer is down",
			want: Instruction{Type: queue.TypeForwardMessage, Payload: queue.Payload{Target: "Ops Team", Content: "printer is down"}},
			ok:   true,
		},
		{
			name:     "create group merges mentions",
			text:     "拉群 VIP客户 @alice @bob",
			mentions: []string{"bob", "carol"},
			want: Instruction{Type: queue.TypeCreateGroup, Payload: queue.Payload{
				GroupName: "VIP客户", Members: []string{"alice", "bob", "carol"},
			}},
			ok: true,
		},
		{
			name: "remove",
			text: "remove @spammer",
			want: Instruction{Type: queue.TypeRemoveMember, Payload: queue.Payload{Members: []string{"spammer"}}},
			ok:   true,
		},
		{
			name: "send file",
			text: "发送文件 https://example.com/a.pdf",
			want: Instruction{Type: queue.TypeSendFile, Payload: queue.Payload{URL: "https://example.com/a.pdf"}},
			ok:   true,
		},
		{
			name: "send link with title",
			text: "send link https://example.com 使用手册",
			want: Instruction{Type: queue.TypeSendLink, Payload: queue.Payload{URL: "https://example.com", Title: "使用手册"}},
			ok:   true,
		},
		{
			name: "send link without title",
			text: "发送链接 https://example.com",
			want: Instruction{Type: queue.TypeSendLink, Payload: queue.Payload{URL: "https://example.com", Title: "https://example.com"}},
			ok:   true,
		},
		{name: "file needs url", text: "发送文件 报价单"},
		{name: "remove needs mention", text: "remove everything"},
		{name: "plain chat", text: "你好"},
		{name: "forward without text", text: "转发给售后群"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseInstruction(tt.text, tt.mentions)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("instruction mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStripBotMention(t *testing.T) {
	tests := []struct {
		text, bot, rest string
		ok              bool
	}{
		{"@小助手 营业时间", "小助手", "营业时间", true},
		{"@小助手　你好", "小助手", "你好", true},
		{"@小助手", "小助手", "", true},
		{"你好 @小助手", "小助手", "你好 @小助手", false},
		{"@bot hi", "", "@bot hi", false},
	}
	for _, tt := range tests {
		rest, ok := StripBotMention(tt.text, tt.bot)
		if rest != tt.rest || ok != tt.ok {
			t.Errorf("StripBotMention(%q, %q) = %q, %v; want %q, %v", tt.text, tt.bot, rest, ok, tt.rest, tt.ok)
		}
	}
}
