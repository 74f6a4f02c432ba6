package pipeline

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/zulandar/concierge/internal/queue"
)

// Instruction is a matched operator command and the queue command it
// produces.
type Instruction struct {
	Type    string
	Payload queue.Payload
}

var (
	reForward     = regexp.MustCompile(`(?is)^(?:转发给|forward to)\s*([^:：]+?)\s*[:：]\s*(.+)$`)
	reCreateGroup = regexp.MustCompile(`(?is)^(?:拉群|create group)\s+(\S+)((?:\s+@\S+)*)\s*$`)
	reRemove      = regexp.MustCompile(`(?is)^(?:踢出|remove)((?:\s*@\S+)+)\s*$`)
	reSendFile    = regexp.MustCompile(`(?is)^(?:发送文件|send file)\s+(\S+)\s*$`)
	reSendImage   = regexp.MustCompile(`(?is)^(?:发送图片|send image)\s+(\S+)\s*$`)
	reSendLink    = regexp.MustCompile(`(?is)^(?:发送链接|send link)\s+(\S+)(?:\s+(.+))?$`)
	reAtToken     = regexp.MustCompile(`@(\S+)`)
)

// ParseInstruction matches text against the instruction grammar. Group
// targets left empty are filled with the originating group by the caller.
func ParseInstruction(text string, mentions []string) (Instruction, bool) {
	t := strings.TrimSpace(text)
	if m := reForward.FindStringSubmatch(t); m != nil {
		return Instruction{Type: queue.TypeForwardMessage, Payload: queue.Payload{
			Target:  strings.TrimSpace(m[1]),
			Content: strings.TrimSpace(m[2]),
		}}, true
	}
	if m := reCreateGroup.FindStringSubmatch(t); m != nil {
		return Instruction{Type: queue.TypeCreateGroup, Payload: queue.Payload{
			GroupName: m[1],
			Members:   mergeMembers(atTokens(m[2]), mentions),
		}}, true
	}
	if m := reRemove.FindStringSubmatch(t); m != nil {
		return Instruction{Type: queue.TypeRemoveMember, Payload: queue.Payload{
			Members: mergeMembers(atTokens(m[1]), mentions),
		}}, true
	}
	if m := reSendFile.FindStringSubmatch(t); m != nil && isURL(m[1]) {
		return Instruction{Type: queue.TypeSendFile, Payload: queue.Payload{URL: m[1]}}, true
	}
	if m := reSendImage.FindStringSubmatch(t); m != nil && isURL(m[1]) {
		return Instruction{Type: queue.TypeSendImage, Payload: queue.Payload{URL: m[1]}}, true
	}
	if m := reSendLink.FindStringSubmatch(t); m != nil && isURL(m[1]) {
		title := strings.TrimSpace(m[2])
		if title == "" {
			title = m[1]
		}
		return Instruction{Type: queue.TypeSendLink, Payload: queue.Payload{URL: m[1], Title: title}}, true
	}
	return Instruction{}, false
}

// StripBotMention removes a leading "@<botName>" from text. It reports
// whether the mention was present.
func StripBotMention(text, botName string) (string, bool) {
	if botName == "" {
		return text, false
	}
	t := strings.TrimSpace(text)
	prefix := "@" + botName
	if !strings.HasPrefix(t, prefix) {
		return text, false
	}
	rest := strings.TrimLeftFunc(t[len(prefix):], unicode.IsSpace)
	return rest, true
}

func atTokens(s string) []string {
	var out []string
	for _, m := range reAtToken.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

func mergeMembers(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, m := range append(slices.Clone(a), b...) {
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
