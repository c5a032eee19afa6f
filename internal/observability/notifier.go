package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// Notifier sends alerts and session outcomes to people.
type Notifier interface {
	Notify(alerts []Alert) error
	// NotifyOutcome reports a session that stopped looping: complete,
	// gutter or failed. Other states are ignored.
	NotifyOutcome(session models.Session) error
}

// Slack rejects messages with more than 50 blocks.
const maxSlackBlocks = 50

type slackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Notifier posting Block Kit messages to an
// incoming webhook.
func NewSlackNotifier(webhookURL string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackMessage struct {
	// Text is the fallback shown in push notifications.
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func header(text string) slackBlock {
	return slackBlock{Type: "header", Text: &slackText{Type: "plain_text", Text: text}}
}

func section(markdown string) slackBlock {
	return slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: markdown}}
}

// Notify posts one summary of the alerts. No request is made for an empty
// slice.
func (s *slackNotifier) Notify(alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return s.post(alertMessage(alerts))
}

func (s *slackNotifier) NotifyOutcome(session models.Session) error {
	msg, ok := outcomeMessage(session)
	if !ok {
		return nil
	}
	return s.post(msg)
}

func (s *slackNotifier) post(msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ralph")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// alertMessage renders alerts most severe first, dropping the tail when the
// block limit is reached.
func alertMessage(alerts []Alert) slackMessage {
	blocks := []slackBlock{header(fmt.Sprintf("Ralph: %d alert(s)", len(alerts)))}

	shown := 0
	for _, sev := range []AlertSeverity{SeverityHigh, SeverityMedium, SeverityLow} {
		for _, a := range alerts {
			if a.Severity != sev {
				continue
			}
			if len(blocks) == maxSlackBlocks-1 {
				break
			}
			blocks = append(blocks, section(fmt.Sprintf("%s *[%s]* %s\n_%s_",
				severityEmoji(a.Severity),
				strings.ToUpper(string(a.Severity)),
				a.Message,
				a.TriggeredAt.UTC().Format("2006-01-02 15:04 UTC"),
			)))
			shown++
		}
	}
	if shown < len(alerts) {
		blocks = append(blocks, section(fmt.Sprintf("_%d more not shown_", len(alerts)-shown)))
	}

	return slackMessage{
		Text:   fmt.Sprintf("Ralph: %d alert(s), first: %s", len(alerts), alerts[0].Message),
		Blocks: blocks,
	}
}

func severityEmoji(severity AlertSeverity) string {
	switch severity {
	case SeverityHigh:
		return "\U0001f534"
	case SeverityMedium:
		return "\U0001f7e1"
	case SeverityLow:
		return "\U0001f535"
	default:
		return "❓"
	}
}

func outcomeMessage(session models.Session) (slackMessage, bool) {
	var emoji, headline string
	switch session.Status.State {
	case models.StateComplete:
		emoji, headline = "✅", "all stories complete"
	case models.StateGutter:
		emoji, headline = "\U0001f6d1", "stuck: "+session.Status.Reason
	case models.StateFailed:
		emoji, headline = "\U0001f534", "failed: "+session.Status.Error
	default:
		return slackMessage{}, false
	}

	project := session.ProjectPath
	stories := ""
	if session.Prd != nil {
		project = session.Prd.Project
		done := len(session.Prd.Stories) - session.Prd.Remaining()
		stories = fmt.Sprintf("\n%d/%d stories passed", done, len(session.Prd.Stories))
	}
	text := fmt.Sprintf("%s *%s* %s\n_session %s, iteration %d_%s",
		emoji, project, headline, session.ID, session.CurrentIteration, stories)

	return slackMessage{
		Text:   fmt.Sprintf("Ralph: %s %s", project, headline),
		Blocks: []slackBlock{header("Ralph Session Update"), section(text)},
	}, true
}
