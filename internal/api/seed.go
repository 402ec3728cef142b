package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"stockwatch/internal/model"
)

// AdminSeeder 创建或提升管理员账号。
type AdminSeeder interface {
	SeedAdmin(ctx context.Context, email string) (*model.User, error)
}

// SeedAdmin 确保配置中的管理员邮箱存在对应的管理员账号，邮箱为空时跳过。
//
// 管理员会收到所有商品的补货通知（notify.include_admins 开启时）。
func SeedAdmin(ctx context.Context, seeder AdminSeeder, email string, logger *slog.Logger) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid seed admin email %q: %w", email, err)
	}
	user, err := seeder.SeedAdmin(ctx, email)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if logger != nil {
		logger.Info("admin account ensured",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("email", user.Email))
	}
	return nil
}
