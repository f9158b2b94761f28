package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trademind/internal/domain"

	tele "gopkg.in/telebot.v3"
)

type messageSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// InterventionDispatcher broadcasts intervention triggers to subscribed
// operator chats. Delivery failures are reported, never retried; the
// trigger itself already lives in the insight store.
type InterventionDispatcher struct {
	sender messageSender

	mu          sync.RWMutex
	subscribers map[int64]struct{}
}

func NewInterventionDispatcher(sender messageSender) *InterventionDispatcher {
	return &InterventionDispatcher{
		sender:      sender,
		subscribers: make(map[int64]struct{}),
	}
}

func (d *InterventionDispatcher) Subscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; exists {
		return false
	}
	d.subscribers[chatID] = struct{}{}
	return true
}

func (d *InterventionDispatcher) Unsubscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; !exists {
		return false
	}
	delete(d.subscribers, chatID)
	return true
}

func (d *InterventionDispatcher) IsSubscribed(chatID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, exists := d.subscribers[chatID]
	return exists
}

func (d *InterventionDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *InterventionDispatcher) NotifyTrigger(ctx context.Context, trigger domain.InterventionTrigger) error {
	_ = ctx
	if d == nil || d.sender == nil {
		return nil
	}

	chatIDs := d.snapshotSubscribers()
	if len(chatIDs) == 0 {
		return nil
	}

	msg := formatTrigger(trigger)
	var failures []string
	for _, chatID := range chatIDs {
		if _, err := d.sender.Send(&tele.Chat{ID: chatID}, msg); err != nil {
			failures = append(failures, fmt.Sprintf("chat %d: %v", chatID, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed sending %d intervention alerts: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (d *InterventionDispatcher) snapshotSubscribers() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chatIDs := make([]int64, 0, len(d.subscribers))
	for chatID := range d.subscribers {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	return chatIDs
}

func parseAlertMode(args []string) (string, error) {
	if len(args) == 0 {
		return "status", nil
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on":
		return "on", nil
	case "off":
		return "off", nil
	case "status":
		return "status", nil
	default:
		return "", fmt.Errorf("invalid mode")
	}
}

func formatTrigger(t domain.InterventionTrigger) string {
	return fmt.Sprintf(
		"[%s] user %s: %s\nAction: %s (risk %.2f) at %s",
		strings.ToUpper(string(t.Severity)),
		t.UserID,
		t.Reason,
		t.Action,
		t.RiskScore,
		t.CreatedAt.UTC().Format(time.RFC822),
	)
}

func formatInsight(ins domain.Insight) string {
	pattern := ins.PatternID
	if pattern == "" {
		pattern = "unclassified"
	}
	return fmt.Sprintf(
		"[%s] %s (risk %.2f, confidence %.2f)\n%s",
		strings.ToUpper(string(ins.Severity)),
		pattern,
		ins.RiskScore,
		ins.Confidence,
		ins.Message,
	)
}
