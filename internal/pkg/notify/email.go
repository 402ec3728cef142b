package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stockwatch/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送纯文本阈值提醒。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Send 发送邮件通知。
func (n *EmailNotifier) Send(ctx context.Context, d Delivery) error {
	if n.cfg == nil || n.cfg.SMTPHost == "" || n.cfg.SMTPPort == 0 || n.cfg.FromEmail == "" {
		n.logger.Warn("smtp not fully configured, skip email")
		return ErrNotConfigured
	}
	recipients := cleanRecipients(d.Recipients)
	if len(recipients) == 0 {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if d.Item == nil || d.Snapshot == nil {
		return fmt.Errorf("delivery is missing item or snapshot")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", recipients...)
	m.SetHeader("Subject", Subject(d))
	m.SetBody("text/plain", Body(d))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("stock alert email sent",
		slog.Uint64("item_id", uint64(d.Item.ID)),
		slog.Int("recipients", len(recipients)))
	return nil
}

// Subject 生成提醒邮件标题。
func Subject(d Delivery) string {
	return fmt.Sprintf("Stock alert: %s (%s)", d.Item.Name, d.Item.ProductID)
}

// Body 生成提醒邮件正文。
func Body(d Delivery) string {
	owner := "Unknown"
	if d.Owner != nil && d.Owner.Username != "" {
		owner = d.Owner.Username
	}
	stores := d.Item.StoreIDs
	if strings.TrimSpace(stores) == "" {
		stores = "All stores in country"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stock for item '%s' (product %s) reached %d and is now at %d.\n\n",
		d.Item.Name, d.Item.ProductID, d.Threshold, d.Snapshot.TotalStock)
	fmt.Fprintf(&b, "Owner: %s\n", owner)
	fmt.Fprintf(&b, "Country: %s\n", d.Item.CountryCode)
	fmt.Fprintf(&b, "Stores filter: %s\n", stores)
	fmt.Fprintf(&b, "Stores reporting: %d known, %d unknown\n", d.Snapshot.KnownStores, d.Snapshot.UnknownStores)
	fmt.Fprintf(&b, "Probability summary: %s\n", d.Snapshot.ProbabilitySummary)
	fmt.Fprintf(&b, "Time (UTC): %s\n", d.Snapshot.CheckedAt.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Threshold: %d\n", d.Threshold)
	return b.String()
}

func cleanRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
