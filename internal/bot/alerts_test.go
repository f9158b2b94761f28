package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trademind/internal/domain"

	tele "gopkg.in/telebot.v3"
)

func sampleTrigger() domain.InterventionTrigger {
	return domain.InterventionTrigger{
		UserID:    "u1",
		Severity:  domain.SeverityCritical,
		Action:    domain.ActionRequireConfirmation,
		Reason:    "risk spiked",
		RiskScore: 0.91,
		CreatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	d := NewInterventionDispatcher(&stubSender{})

	if !d.Subscribe(100) {
		t.Fatal("first subscribe should succeed")
	}
	if d.Subscribe(100) {
		t.Fatal("duplicate subscribe should report already subscribed")
	}
	if !d.IsSubscribed(100) {
		t.Fatal("chat 100 should be subscribed")
	}
	if d.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", d.SubscriberCount())
	}

	if !d.Unsubscribe(100) {
		t.Fatal("unsubscribe should succeed")
	}
	if d.Unsubscribe(100) {
		t.Fatal("second unsubscribe should report not subscribed")
	}
	if d.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", d.SubscriberCount())
	}
}

func TestNotifyTriggerBroadcastsInOrder(t *testing.T) {
	sender := &stubSender{}
	d := NewInterventionDispatcher(sender)
	d.Subscribe(30)
	d.Subscribe(10)
	d.Subscribe(20)

	if err := d.NotifyTrigger(context.Background(), sampleTrigger()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sender.sent))
	}
	for i, want := range []int64{10, 20, 30} {
		if sender.sent[i].chatID != want {
			t.Fatalf("send %d went to chat %d, want %d", i, sender.sent[i].chatID, want)
		}
	}
	msg := sender.sent[0].text
	if !strings.Contains(msg, "CRITICAL") || !strings.Contains(msg, "u1") || !strings.Contains(msg, "0.91") {
		t.Fatalf("unexpected alert text: %q", msg)
	}
}

func TestNotifyTriggerNoSubscribers(t *testing.T) {
	sender := &stubSender{}
	d := NewInterventionDispatcher(sender)

	if err := d.NotifyTrigger(context.Background(), sampleTrigger()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("no subscribers means no sends")
	}
}

func TestNotifyTriggerNilDispatcher(t *testing.T) {
	var d *InterventionDispatcher
	if err := d.NotifyTrigger(context.Background(), sampleTrigger()); err != nil {
		t.Fatalf("nil dispatcher must be a no-op, got %v", err)
	}
}

func TestNotifyTriggerCollectsFailures(t *testing.T) {
	sender := &stubSender{failChats: map[int64]bool{20: true}}
	d := NewInterventionDispatcher(sender)
	d.Subscribe(10)
	d.Subscribe(20)
	d.Subscribe(30)

	err := d.NotifyTrigger(context.Background(), sampleTrigger())
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !strings.Contains(err.Error(), "chat 20") {
		t.Fatalf("error should name the failing chat: %v", err)
	}
	// Healthy chats still get the alert.
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 successful sends, got %d", len(sender.sent))
	}
}

func TestParseAlertMode(t *testing.T) {
	cases := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{nil, "status", false},
		{[]string{"on"}, "on", false},
		{[]string{"OFF"}, "off", false},
		{[]string{" Status "}, "status", false},
		{[]string{"loud"}, "", true},
	}
	for _, tc := range cases {
		got, err := parseAlertMode(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseAlertMode(%v): expected error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseAlertMode(%v): %v", tc.args, err)
		}
		if got != tc.want {
			t.Fatalf("parseAlertMode(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestFormatInsightFallsBackOnPattern(t *testing.T) {
	msg := formatInsight(domain.Insight{
		Severity:   domain.SeverityInfo,
		RiskScore:  0.2,
		Confidence: 0.1,
		Message:    "keep trading",
	})
	if !strings.Contains(msg, "unclassified") {
		t.Fatalf("expected unclassified fallback, got %q", msg)
	}
}

type sentMessage struct {
	chatID int64
	text   string
}

type stubSender struct {
	sent      []sentMessage
	failChats map[int64]bool
}

func (s *stubSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	chat, ok := to.(*tele.Chat)
	if !ok {
		return nil, errors.New("unexpected recipient type")
	}
	if s.failChats[chat.ID] {
		return nil, errors.New("blocked by user")
	}
	text, _ := what.(string)
	s.sent = append(s.sent, sentMessage{chatID: chat.ID, text: text})
	return &tele.Message{}, nil
}
