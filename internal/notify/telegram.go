package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// Telegram sends notifications to one chat through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegram creates a Telegram notifier. It returns nil when token or
// chatID is empty so callers can leave it out of a Multi.
func NewTelegram(token, chatID string) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(telegramMessage{ChatID: t.chatID, Text: Format(n)})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Format renders a notification as a short plain-text message.
func Format(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", n.ConsumerID, title(n.Kind))
	if n.Instrument != "" {
		b.WriteString(" ")
		b.WriteString(n.Instrument)
		if n.Name != "" {
			fmt.Fprintf(&b, " (%s)", n.Name)
		}
	}
	switch n.Kind {
	case KindBuyFilled:
		fmt.Fprintf(&b, "\n%d @ %s", n.Quantity, n.Price.StringFixed(0))
	case KindSellFilled, KindLiquidation:
		fmt.Fprintf(&b, "\n%d @ %s, return %s%%", n.Quantity, n.Price.StringFixed(0), n.ReturnPct.StringFixed(2))
	}
	if n.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", n.Reason)
	}
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	return b.String()
}

func title(k Kind) string {
	switch k {
	case KindIntent:
		return "buy intent"
	case KindBuyFilled:
		return "bought"
	case KindSellFilled:
		return "sold"
	case KindLiquidation:
		return "liquidated"
	case KindAbandoned:
		return "intent abandoned"
	case KindFailure:
		return "pipeline failure"
	case KindSummary:
		return "daily summary"
	}
	return string(k)
}
