package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type channelSender struct {
	channel string
	sent    []Message
	err     error
}

func (s *channelSender) Send(ctx context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *channelSender) SupportsChannel(channel string) bool {
	return channel == s.channel
}

func TestMultiSender_RoutesByChannel(t *testing.T) {
	email := &channelSender{channel: ChannelEmail}
	sms := &channelSender{channel: ChannelSMS}
	ms := NewMultiSender(zap.NewNop(), email, sms)

	if err := ms.Send(context.Background(), Message{Channel: ChannelSMS, Recipient: "+911234567890"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sms.sent) != 1 || len(email.sent) != 0 {
		t.Fatalf("sms=%d email=%d, want 1/0", len(sms.sent), len(email.sent))
	}

	if err := ms.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "a@b.c"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(email.sent) != 1 {
		t.Fatalf("email=%d, want 1", len(email.sent))
	}
}

func TestMultiSender_UnknownChannel(t *testing.T) {
	ms := NewMultiSender(zap.NewNop(), &channelSender{channel: ChannelEmail})
	err := ms.Send(context.Background(), Message{Channel: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unroutable channel")
	}
}

func TestMultiSender_PropagatesSenderError(t *testing.T) {
	wantErr := errors.New("ses throttled")
	ms := NewMultiSender(zap.NewNop(), &channelSender{channel: ChannelEmail, err: wantErr})
	err := ms.Send(context.Background(), Message{Channel: ChannelEmail})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want sender error", err)
	}
}

func TestMultiSender_SupportsChannel(t *testing.T) {
	ms := NewMultiSender(zap.NewNop(), &channelSender{channel: ChannelEmail})
	if !ms.SupportsChannel(ChannelEmail) {
		t.Fatal("should support email")
	}
	if ms.SupportsChannel(ChannelSMS) {
		t.Fatal("should not support sms")
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	if err := s.Send(context.Background(), Message{Channel: ChannelEmail, Recipient: "a@b.c"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !s.SupportsChannel(ChannelEmail) || !s.SupportsChannel(ChannelSMS) {
		t.Fatal("log sender should accept both channels")
	}
}

func TestViolationNoticeTemplates(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	body := ViolationNotice("KA01AB1234", "no_helmet", 100, at)

	for _, want := range []string{"KA01AB1234", "no_helmet", "$100.00", "2026-03-01 10:30:00", "30 days"} {
		if !strings.Contains(body, want) {
			t.Errorf("notice body missing %q", want)
		}
	}

	subj := ViolationNoticeSubject("KA01AB1234")
	if subj != "Traffic Violation Notice - KA01AB1234" {
		t.Fatalf("subject = %q", subj)
	}
}

func TestPaymentReceiptTemplate(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	body := PaymentReceipt("TXN-42", "card", 100, at)

	for _, want := range []string{"TXN-42", "card", "$100.00", "2026-03-02 09:00:00"} {
		if !strings.Contains(body, want) {
			t.Errorf("receipt body missing %q", want)
		}
	}
}

func TestPaymentReminderTemplates(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	body := PaymentReminderBody("KA01AB1234", "no_helmet", 150, due)

	for _, want := range []string{"KA01AB1234", "no_helmet", "$150.00", "2026-04-01"} {
		if !strings.Contains(body, want) {
			t.Errorf("reminder body missing %q", want)
		}
	}

	if subj := PaymentReminderSubject("KA01AB1234"); subj != "Payment Reminder - KA01AB1234" {
		t.Fatalf("subject = %q", subj)
	}
}
