package scheduler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/recapd/recapd/pkg/discord"
	"github.com/recapd/recapd/pkg/models"
)

// Deliverer sends a finished summary to one destination.
type Deliverer interface {
	Deliver(ctx context.Context, dest models.Destination, summary *models.Summary) error
}

// channelSender is the discordgo surface the channel sink needs.
type channelSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SinkSet routes deliveries by destination kind.
type SinkSet struct {
	session channelSender
	client  *http.Client

	// WebhookSecret, when set, signs webhook payloads with HMAC-SHA256 in
	// the X-Recap-Signature header.
	WebhookSecret string
}

// NewSinkSet builds the default destination router over an open session.
func NewSinkSet(session *discordgo.Session, webhookSecret string) *SinkSet {
	return &SinkSet{
		session:       session,
		client:        &http.Client{Timeout: 15 * time.Second},
		WebhookSecret: webhookSecret,
	}
}

func (s *SinkSet) Deliver(ctx context.Context, dest models.Destination, summary *models.Summary) error {
	switch dest.Kind {
	case models.SinkDiscordChannel:
		return s.deliverChannel(ctx, dest, summary)
	case models.SinkWebhook:
		return s.deliverWebhook(ctx, dest, summary)
	default:
		return models.NewValidationError("destination", fmt.Sprintf("unknown sink kind %q", dest.Kind))
	}
}

func (s *SinkSet) deliverChannel(ctx context.Context, dest models.Destination, summary *models.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &discordgo.MessageSend{}
	if dest.Format == "markdown" {
		msg.Content = renderMarkdown(summary)
	} else {
		msg.Embeds = []*discordgo.MessageEmbed{discord.SummaryEmbed(summary)}
	}
	if _, err := s.session.ChannelMessageSendComplex(dest.Target, msg); err != nil {
		return fmt.Errorf("posting to channel %s: %w", dest.Target, err)
	}
	return nil
}

func (s *SinkSet) deliverWebhook(ctx context.Context, dest models.Destination, summary *models.Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.WebhookSecret != "" {
		req.Header.Set("X-Recap-Signature", Sign(body, s.WebhookSecret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", dest.Target, resp.StatusCode)
	}
	return nil
}

// Sign computes the X-Recap-Signature value for body under secret:
// "sha256=" followed by the hex HMAC-SHA256.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func renderMarkdown(s *models.Summary) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "**Summary %s to %s** (%d messages)\n\n%s\n",
		s.StartTime.Format("Jan 2 15:04"), s.EndTime.Format("Jan 2 15:04"), s.MessageCount, s.Body)
	if len(s.KeyPoints) > 0 {
		buf.WriteString("\n**Key points**\n")
		for _, p := range s.KeyPoints {
			fmt.Fprintf(&buf, "- %s\n", p)
		}
	}
	if len(s.ActionItems) > 0 {
		buf.WriteString("\n**Action items**\n")
		for _, item := range s.ActionItems {
			fmt.Fprintf(&buf, "- [%s] %s\n", item.Priority, item.Description)
		}
	}
	return buf.String()
}
