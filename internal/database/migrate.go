package database

import (
	"tenantgate/internal/models"
	"tenantgate/pkg/logger"
)

// Migrate 执行数据库迁移
func Migrate() error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	err := DB.AutoMigrate(
		&models.Tenant{},
		&models.TenantKey{},
		&models.Role{},
		&models.RolePermission{},
		&models.User{},
		&models.UserRole{},
		// 会话与令牌
		&models.UserSession{},
		&models.PasswordResetToken{},
	)
	if err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	// 邮箱在租户内按小写唯一
	if err := DB.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uk_user_tenant_email_lower ON users (tenant_id, LOWER(email))`).Error; err != nil {
		appLogger.Errorf("Create email index failed: %v", err)
		return err
	}
	// 租户名称忽略大小写唯一
	if err := DB.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uk_tenant_name_lower ON tenants (LOWER(name))`).Error; err != nil {
		appLogger.Errorf("Create tenant name index failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
