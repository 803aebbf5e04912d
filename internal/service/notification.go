package service

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/telebot.v3"

	"samuraibot/internal/storage"
)

// Sender delivers a Telegram message. *telebot.Bot satisfies it.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// NotificationService sends Telegram notifications about stake refunds.
// A nil *NotificationService drops every notification.
type NotificationService struct {
	sender    Sender
	mu        sync.Mutex
	adminID   int64
	channelID string
	log       *slog.Logger
}

// NewNotificationService creates a notifier. adminID and channelID are
// optional; zero values disable admin alerts and channel summaries.
func NewNotificationService(sender Sender, adminID int64, channelID string, log *slog.Logger) *NotificationService {
	if log == nil {
		log = slog.Default()
	}
	return &NotificationService{
		sender:    sender,
		adminID:   adminID,
		channelID: channelID,
		log:       log,
	}
}

// formatBalance formats an amount of coins
func formatBalance(balance int64) string {
	return fmt.Sprintf("%d 🪙", balance)
}

// SendRefundNotification tells the stake owner an unfinished wager was refunded.
func (s *NotificationService) SendRefundNotification(st storage.Stake) {
	if s == nil || s.sender == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scope := "your wallet"
	if st.Key.GroupID != 0 {
		scope = "your group wallet"
	}
	message := fmt.Sprintf("💰 Refund received: %s returned to %s for an unfinished wager (%s).",
		formatBalance(st.Amount),
		scope,
		truncateString(st.WagerID, 13))

	_, err := s.sender.Send(&telebot.User{ID: st.Key.UserID}, message)
	if err != nil {
		s.log.Warn("refund notification failed", "account", st.Key.String(), "wager_id", st.WagerID, "error", err)
		return
	}
	s.log.Debug("refund notification sent", "account", st.Key.String(), "wager_id", st.WagerID, "amount", st.Amount)
}

// SendRefundFailedAlert tells the admin a stranded stake is still open.
func (s *NotificationService) SendRefundFailedAlert(st storage.Stake, cause error) {
	if s == nil || s.sender == nil || s.adminID == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("⚠️ Stake refund failed\n\nWager: %s\nAccount: %s\nAmount: %s\nError: %s",
		st.WagerID,
		st.Key.String(),
		formatBalance(st.Amount),
		truncateString(cause.Error(), 200))

	if _, err := s.sender.Send(&telebot.User{ID: s.adminID}, message); err != nil {
		s.log.Warn("admin alert failed", "wager_id", st.WagerID, "error", err)
	}
}

// PublishSweepSummary broadcasts how many stranded stakes were returned.
func (s *NotificationService) PublishSweepSummary(refunded int, total int64) {
	if s == nil || s.sender == nil || s.channelID == "" || refunded == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("🧹 *Stakes returned*\n\n%d unfinished wagers refunded, %s in total\\.",
		refunded,
		escapeMarkdown(formatBalance(total)))

	_, err := s.sender.Send(s.getChannelRecipient(), message, &telebot.SendOptions{
		ParseMode: telebot.ModeMarkdownV2,
	})
	if err != nil {
		s.log.Warn("sweep summary failed", "channel", s.channelID, "error", err)
		return
	}
	s.log.Debug("sweep summary published", "channel", s.channelID, "refunded", refunded)
}

// truncateString cuts s to at most maxLen runes, ending in "..." when there
// is room for it.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:max(maxLen, 0)])
	}
	return strings.TrimSpace(string(runes[:maxLen-3])) + "..."
}

// channelUsername addresses a public channel by its @name.
type channelUsername string

func (c channelUsername) Recipient() string { return string(c) }

func (s *NotificationService) getChannelRecipient() telebot.Recipient {
	if strings.HasPrefix(s.channelID, "@") {
		return channelUsername(s.channelID)
	}
	return telebot.ChatID(parseChannelID(s.channelID))
}

// parseChannelID parses a channel ID string (supports numeric IDs)
func parseChannelID(channelID string) int64 {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2
func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\_*[]()~`+"`"+`>#+-=|{}.!`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
