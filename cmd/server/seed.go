package main

import (
	"context"
	"fmt"
	"os"

	"tenantgate/internal/models"
	"tenantgate/internal/services"
	"tenantgate/pkg/config"
	apperrors "tenantgate/pkg/errors"
	"tenantgate/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// seedFile 可选的 YAML 种子文件
type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	Name  string     `yaml:"name"`
	Plan  string     `yaml:"plan"`
	Admin *seedAdmin `yaml:"admin"`
}

type seedAdmin struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	FullName string `yaml:"full_name"`
}

// seedData 初始化平台租户、平台管理员和种子文件中的租户
func seedData(ctx context.Context, cfg *config.Config, tenants *services.TenantService, platformID uuid.UUID) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting seed data initialization...")

	created, err := tenants.EnsurePlatformTenant(ctx, platformID, "Platform")
	if err != nil {
		return fmt.Errorf("创建平台租户失败: %w", err)
	}
	if created {
		appLogger.WithField("tenant_id", platformID).Info("Platform tenant created")
	}

	if cfg.Seed.PlatformAdminPassword != "" {
		_, err := tenants.BootstrapPlatformAdmin(ctx, platformID, cfg.Seed.PlatformAdminEmail, cfg.Seed.PlatformAdminPassword)
		switch {
		case err == nil:
			appLogger.WithField("email", cfg.Seed.PlatformAdminEmail).Info("Platform admin created")
		case apperrors.HasCode(err, apperrors.ErrCodeTenantBootstrapped):
			appLogger.Info("平台管理员已存在，跳过创建")
		default:
			return fmt.Errorf("创建平台管理员失败: %w", err)
		}
	}

	if cfg.Seed.File != "" {
		if err := seedFromFile(ctx, cfg.Seed.File, tenants); err != nil {
			return err
		}
	}

	appLogger.Info("Seed data initialization completed successfully")
	return nil
}

// seedFromFile 已存在的租户和已初始化的管理员会被跳过
func seedFromFile(ctx context.Context, path string, tenants *services.TenantService) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取种子文件失败: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("解析种子文件失败: %w", err)
	}

	for _, t := range file.Tenants {
		log := logger.GetLogger().WithField("tenant", t.Name)

		var tenantID uuid.UUID
		view, err := tenants.Create(ctx, nil, services.CreateTenantInput{Name: t.Name, Plan: t.Plan})
		switch {
		case err == nil:
			tenantID = view.ID
			log.WithField("slug", view.Slug).Info("Seed tenant created")
		case apperrors.HasCode(err, apperrors.ErrCodeTenantDuplicateName):
			tenantID, err = tenants.ResolveTenantID(ctx, models.Slugify(t.Name))
			if err != nil {
				log.Warn("租户已存在但无法按 slug 找到，跳过")
				continue
			}
		default:
			return fmt.Errorf("创建租户 %s 失败: %w", t.Name, err)
		}

		if t.Admin == nil {
			continue
		}
		_, err = tenants.BootstrapAdmin(ctx, tenantID, services.BootstrapAdminInput{
			Email:    t.Admin.Email,
			Password: t.Admin.Password,
			FullName: t.Admin.FullName,
		})
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{"tenant_id": tenantID, "email": t.Admin.Email}).Info("Seed admin created")
		case apperrors.HasCode(err, apperrors.ErrCodeTenantBootstrapped):
		default:
			return fmt.Errorf("初始化租户 %s 管理员失败: %w", t.Name, err)
		}
	}
	return nil
}
