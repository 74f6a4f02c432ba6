// Package sender executes queued commands against the WorkTool bot API,
// which drives an enterprise WeChat client through a robot id.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/queue"
	"go.uber.org/zap"
)

// WorkTool raw message types.
const (
	rawSendText    = 203
	rawGroupManage = 206
	rawPushFile    = 218
)

// rawMessage is one entry of a sendRawMessage request.
type rawMessage struct {
	Type            int      `json:"type"`
	TitleList       []string `json:"titleList,omitempty"`
	ReceivedContent string   `json:"receivedContent,omitempty"`
	AtList          []string `json:"atList,omitempty"`

	GroupName    string   `json:"groupName,omitempty"`
	NewGroupName string   `json:"newGroupName,omitempty"`
	SelectList   []string `json:"selectList,omitempty"`
	RemoveList   []string `json:"removeList,omitempty"`

	ObjectName string `json:"objectName,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	ExtraText  string `json:"extraText,omitempty"`
}

type rawRequest struct {
	SocketType int          `json:"socketType"`
	List       []rawMessage `json:"list"`
}

type rawResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client posts commands to a WorkTool endpoint. It satisfies
// queue.Executor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dryRun     bool
	log        *zap.Logger
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	DryRun     bool
	HTTPClient *http.Client // overrides Timeout when set
	Logger     *zap.Logger
}

// New creates a Client. BaseURL may be empty only in dry-run mode.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" && !opts.DryRun {
		return nil, fmt.Errorf("sender: base url is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		dryRun:     opts.DryRun,
		log:        opts.Logger,
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// Send posts a text message to target, mentioning the given members.
func (c *Client) Send(ctx context.Context, robotID, target, content string, mentions []string) (string, error) {
	return c.post(ctx, robotID, rawMessage{
		Type:            rawSendText,
		TitleList:       []string{target},
		ReceivedContent: content,
		AtList:          mentions,
	})
}

// Execute implements queue.Executor.
func (c *Client) Execute(ctx context.Context, cmd *models.Command, p queue.Payload) (string, error) {
	msg, err := buildMessage(cmd.Type, p)
	if err != nil {
		return "", err
	}
	return c.post(ctx, cmd.RobotID, msg)
}

func buildMessage(cmdType string, p queue.Payload) (rawMessage, error) {
	switch cmdType {
	case queue.TypeSendMessage, queue.TypeForwardMessage, queue.TypeNotifyStaff:
		if p.Target == "" || p.Content == "" {
			return rawMessage{}, fmt.Errorf("sender: %s needs target and content", cmdType)
		}
		return rawMessage{
			Type:            rawSendText,
			TitleList:       []string{p.Target},
			ReceivedContent: p.Content,
			AtList:          p.Mentions,
		}, nil
	case queue.TypeCreateGroup:
		if p.GroupName == "" {
			return rawMessage{}, fmt.Errorf("sender: create_group needs a group name")
		}
		return rawMessage{
			Type:         rawGroupManage,
			NewGroupName: p.GroupName,
			SelectList:   p.Members,
		}, nil
	case queue.TypeRemoveMember:
		if p.Target == "" || len(p.Members) == 0 {
			return rawMessage{}, fmt.Errorf("sender: remove_member needs a group and members")
		}
		return rawMessage{
			Type:       rawGroupManage,
			GroupName:  p.Target,
			RemoveList: p.Members,
		}, nil
	case queue.TypeSendFile, queue.TypeSendImage, queue.TypeSendLink:
		if p.Target == "" || p.URL == "" {
			return rawMessage{}, fmt.Errorf("sender: %s needs target and url", cmdType)
		}
		fileType := "*"
		switch cmdType {
		case queue.TypeSendImage:
			fileType = "image"
		case queue.TypeSendLink:
			fileType = "link"
		}
		return rawMessage{
			Type:       rawPushFile,
			TitleList:  []string{p.Target},
			ObjectName: p.Title,
			FileURL:    p.URL,
			FileType:   fileType,
			ExtraText:  p.Content,
		}, nil
	}
	return rawMessage{}, fmt.Errorf("sender: unsupported command type %q", cmdType)
}

func (c *Client) post(ctx context.Context, robotID string, msg rawMessage) (string, error) {
	if robotID == "" {
		return "", fmt.Errorf("sender: robot id is required")
	}
	if c.dryRun {
		c.log.Info("dry-run send",
			zap.String("robot_id", robotID),
			zap.Int("type", msg.Type),
			zap.Strings("to", msg.TitleList),
			zap.String("content", msg.ReceivedContent),
		)
		return "dry-run", nil
	}

	body, err := json.Marshal(rawRequest{SocketType: 2, List: []rawMessage{msg}})
	if err != nil {
		return "", fmt.Errorf("sender: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/wework/sendRawMessage?robotId=" + url.QueryEscape(robotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sender: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sender: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("sender: status %d: %s", resp.StatusCode, string(snippet))
	}
	var result rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("sender: decode response: %w", err)
	}
	if result.Code != 0 && result.Code != http.StatusOK {
		return "", fmt.Errorf("sender: api code %d: %s", result.Code, result.Message)
	}
	if len(result.Data) > 0 && string(result.Data) != "null" {
		return string(result.Data), nil
	}
	return result.Message, nil
}
