package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/concierge/internal/collab"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/queue"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
)

// runAdmin executes /takeover, /release, and /status for admin senders and
// answers in the group.
func (p *Pipeline) runAdmin(ctx context.Context, ev Event, text string) (Decision, error) {
	if !p.isAdmin(ev.SenderID) {
		return none(ReasonAdminDenied), nil
	}
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(fields) == 0 {
		return none(ReasonAdminDenied), nil
	}
	verb := strings.ToLower(fields[0])
	target := adminTarget(fields[1:], ev.Mentions)

	var (
		reply string
		err   error
	)
	switch verb {
	case "takeover", "接管":
		reply, err = p.adminSwitch(ctx, ev, target, true)
	case "release", "释放":
		reply, err = p.adminSwitch(ctx, ev, target, false)
	case "status", "状态":
		reply, err = p.adminStatus(ctx, ev, target)
	default:
		reply = fmt.Sprintf("未知指令 /%s，可用：/takeover @用户 /release @用户 /status", verb)
	}
	if err != nil {
		return Decision{}, err
	}

	id, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
		RobotID:  ev.RobotID,
		Type:     queue.TypeSendMessage,
		Payload:  queue.Payload{Target: ev.target(), Content: reply, Mentions: []string{ev.senderLabel()}},
		Priority: queue.PriorityHigh,
		Source:   "admin",
	})
	if err != nil {
		return Decision{}, err
	}
	p.log.Info("admin command",
		zap.String("admin", ev.SenderID),
		zap.String("verb", verb),
		zap.String("target", target),
	)
	return Decision{Action: ActionAdminCommand, Reason: ReasonAdminCommand, Reply: reply, CommandIDs: []string{id}}, nil
}

func adminTarget(args, mentions []string) string {
	if len(mentions) > 0 {
		return mentions[0]
	}
	for _, a := range args {
		if t := strings.TrimPrefix(a, "@"); t != "" {
			return t
		}
	}
	return ""
}

func (p *Pipeline) adminSwitch(ctx context.Context, ev Event, target string, toHuman bool) (string, error) {
	if target == "" {
		return "请指定用户，例如 /takeover @用户", nil
	}
	sess, err := p.store.FindOpenSession(ctx, ev.GroupID, target)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("未找到 %s 的会话", target), nil
	}
	if err != nil {
		return "", err
	}
	if toHuman {
		err = p.arb.Takeover(ctx, sess.ID, ev.senderLabel())
	} else {
		err = p.arb.Release(ctx, sess.ID)
	}
	switch {
	case errors.Is(err, collab.ErrNoTransition):
		return fmt.Sprintf("%s 的会话当前为 %s 模式，无需切换", target, sess.Status), nil
	case err != nil:
		return "", err
	case toHuman:
		return fmt.Sprintf("已接管 %s 的会话，AI 暂停回复", target), nil
	default:
		return fmt.Sprintf("已将 %s 的会话交还 AI", target), nil
	}
}

func (p *Pipeline) adminStatus(ctx context.Context, ev Event, target string) (string, error) {
	if target != "" {
		sess, err := p.store.FindOpenSession(ctx, ev.GroupID, target)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("未找到 %s 的会话", target), nil
		}
		if err != nil {
			return "", err
		}
		return formatSession(sess), nil
	}
	sessions, err := p.store.ActiveSessionsInGroup(ctx, ev.GroupID, p.now().Add(-p.staffSince))
	if err != nil {
		return "", err
	}
	human := 0
	for i := range sessions {
		if sessions[i].Status == models.SessionHuman {
			human++
		}
	}
	return fmt.Sprintf("活跃会话 %d 个，其中人工 %d 个", len(sessions), human), nil
}

func formatSession(s *models.Session) string {
	agent := s.AssignedAgent
	if agent == "" {
		agent = "-"
	}
	return fmt.Sprintf("%s：模式 %s，消息 %d，AI 回复 %d，人工回复 %d，风险 %v，负责人 %s",
		s.UserName, s.Status, s.MessageCount, s.AIReplyCount, s.HumanReplyCount, s.RiskFlag, agent)
}
