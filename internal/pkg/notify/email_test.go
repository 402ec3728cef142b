package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/model"

	"gopkg.in/gomail.v2"
)

func testDelivery() Delivery {
	return Delivery{
		Recipients: []string{"owner@example.com", " admin@example.com ", "OWNER@example.com", ""},
		Item: &model.TrackedItem{
			ID:          1,
			Name:        "BILLY",
			ProductID:   "80213074",
			CountryCode: "de",
		},
		Owner: &model.User{Username: "alice"},
		Snapshot: &model.AvailabilitySnapshot{
			TotalStock:         7,
			KnownStores:        2,
			UnknownStores:      1,
			ProbabilitySummary: "HIGH_STOCK, LOW_STOCK",
			CheckedAt:          time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		},
		Threshold: 5,
	}
}

func newTestNotifier(cfg *config.EmailConfig) *EmailNotifier {
	return NewEmailNotifier(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmailNotifier_SendsPlainText(t *testing.T) {
	n := newTestNotifier(&config.EmailConfig{SMTPHost: "smtp.test", SMTPPort: 587, FromEmail: "bot@example.com"})

	var sent *gomail.Message
	n.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}

	if err := n.Send(context.Background(), testDelivery()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent == nil {
		t.Fatalf("expected message to be sent")
	}
	to := sent.GetHeader("To")
	if len(to) != 2 || to[0] != "owner@example.com" || to[1] != "admin@example.com" {
		t.Fatalf("unexpected recipients: %v", to)
	}
	if subj := sent.GetHeader("Subject"); len(subj) != 1 || subj[0] != "Stock alert: BILLY (80213074)" {
		t.Fatalf("unexpected subject: %v", subj)
	}
}

func TestEmailNotifier_NotConfigured(t *testing.T) {
	n := newTestNotifier(&config.EmailConfig{})
	n.send = func(m *gomail.Message) error {
		t.Fatalf("must not send without smtp config")
		return nil
	}
	if err := n.Send(context.Background(), testDelivery()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEmailNotifier_SendErrorIsWrapped(t *testing.T) {
	n := newTestNotifier(&config.EmailConfig{SMTPHost: "smtp.test", SMTPPort: 587, FromEmail: "bot@example.com"})
	boom := errors.New("connection refused")
	n.send = func(m *gomail.Message) error { return boom }

	if err := n.Send(context.Background(), testDelivery()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestBody(t *testing.T) {
	body := Body(testDelivery())
	for _, want := range []string{
		"reached 5 and is now at 7",
		"Owner: alice",
		"Stores filter: All stores in country",
		"Probability summary: HIGH_STOCK, LOW_STOCK",
		"Time (UTC): 2026-03-01 09:30",
		"2 known, 1 unknown",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
