package api

import (
	"context"
	"errors"

	"trullo/internal/model"

	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedAdminUser 确保配置的初始管理员账号存在。
//
// 邮箱已注册时只把角色提升为 admin，不覆盖密码；
// 配置里没有管理员邮箱/密码时什么都不做。
func (s *Server) SeedAdminUser(ctx context.Context) error {
	email := s.cfg.Security.AdminEmail
	password := s.cfg.Security.AdminPassword
	if email == "" || password == "" {
		return nil
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if hashErr != nil {
			return hashErr
		}
		user = model.User{
			Name:     "Admin",
			Email:    email,
			Password: string(hash),
			Role:     model.RoleAdmin,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
		s.logger.Info("admin user seeded", slog.String("email", email))
		return nil
	}

	if user.Role != model.RoleAdmin {
		if err := s.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ?", user.ID).Update("role", model.RoleAdmin).Error; err != nil {
			return err
		}
		s.logger.Info("admin role restored", slog.String("email", email))
	}
	return nil
}
