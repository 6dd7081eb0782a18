package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &TelegramNotifier{Token: token, ChatID: chatID, Retries: retries, Delay: delay}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		err = t.Send(message)
		if err == nil {
			return nil
		}
		log.Printf("Notifier | Telegram send failed (attempt %d/%d): %v", attempt, t.Retries, err)
		if attempt < t.Retries {
			time.Sleep(t.Delay)
		}
	}
	return err
}

// NoopNotifier discards messages; used when no Telegram credentials are set.
type NoopNotifier struct{}

func (NoopNotifier) Send(string) error          { return nil }
func (NoopNotifier) SendWithRetry(string) error { return nil }
