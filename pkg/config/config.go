package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Log      LogConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Auth     AuthConfig
	Mail     MailConfig
	Events   EventsConfig
	Cleanup  CleanupConfig
	Seed     SeedConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Driver   string // postgres 或 memory
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int    // MB
	MaxBackups int    // 保留的备份文件数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩
	Format     string // json 或 text
}

type RedisConfig struct {
	Host     string // Redis主机地址
	Port     int    // Redis端口
	Password string // Redis密码
	DB       int    // Redis数据库编号
	Prefix   string // 队列键前缀
}

type CORSConfig struct {
	AllowOrigins     []string // 允许的源
	AllowMethods     []string // 允许的HTTP方法
	AllowHeaders     []string // 允许的请求头
	ExposeHeaders    []string // 暴露的响应头
	AllowCredentials bool     // 是否允许携带凭证
	MaxAge           int      // 预检请求缓存时间（小时）
}

// AuthConfig 会话与凭证配置
type AuthConfig struct {
	SessionTTL       time.Duration // 普通会话有效期
	RememberMeTTL    time.Duration // 记住我会话有效期
	TouchThreshold   time.Duration // last_seen 刷新阈值
	MaxFailedLogins  int           // 触发软锁定的失败次数
	LockDuration     time.Duration // 软锁定时长
	ResetTokenTTL    time.Duration // 重置密码令牌有效期
	InviteTokenTTL   time.Duration // 邀请令牌有效期
	BcryptCost       int
	HashWorkers      int // 密码哈希并发上限
	CookieName       string
	CookieSecure     bool
	CookieSameSite   string // lax, strict, none
	CookieDomain     string
	PlatformTenantID string
	LoginRatePerSec  float64
	LoginRateBurst   int
}

// MailConfig 邮件投递配置
type MailConfig struct {
	Driver    string // redis 或 log
	From      string
	ResetURL  string // 重置密码链接前缀，令牌追加在末尾
	InviteURL string
}

// EventsConfig 安全事件发布配置
type EventsConfig struct {
	NATSURL       string // 为空时只写日志
	SubjectPrefix string
}

// CleanupConfig 过期数据清理配置
type CleanupConfig struct {
	Schedule  string        // cron 表达式
	Retention time.Duration // 过期/撤销后保留时长
}

// SeedConfig 初始化数据配置
type SeedConfig struct {
	PlatformAdminEmail    string
	PlatformAdminPassword string
	File                  string // 可选的 YAML 种子文件
}

// 全局配置实例和同步锁
var (
	globalConfig *Config
	once         sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		globalConfig, err = LoadConfig()
		if err != nil {
			panic("Failed to load config: " + err.Error())
		}
	})
	return globalConfig
}

// 获取环境变量，如果不存在则使用默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 获取环境变量转换为int
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 获取环境变量转换为float64
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// 获取环境变量转换为bool
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

// 获取环境变量转换为时长，如 "15m"、"8h"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// 获取环境变量转换为字符串数组（逗号分隔）
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func LoadConfig() (*Config, error) {
	// .env 不存在时直接使用环境变量
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Mode: getEnv("SERVER_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "tenantgate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/app.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "tenantgate:queue"),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"*"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-Tenant-Key", "X-Tenant-Id"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type", "X-Request-ID"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
		Auth: AuthConfig{
			SessionTTL:       getEnvAsDuration("AUTH_SESSION_TTL", 8*time.Hour),
			RememberMeTTL:    getEnvAsDuration("AUTH_REMEMBER_ME_TTL", 30*24*time.Hour),
			TouchThreshold:   getEnvAsDuration("AUTH_TOUCH_THRESHOLD", 5*time.Minute),
			MaxFailedLogins:  getEnvAsInt("AUTH_MAX_FAILED_LOGINS", 5),
			LockDuration:     getEnvAsDuration("AUTH_LOCK_DURATION", 15*time.Minute),
			ResetTokenTTL:    getEnvAsDuration("AUTH_RESET_TOKEN_TTL", 30*time.Minute),
			InviteTokenTTL:   getEnvAsDuration("AUTH_INVITE_TOKEN_TTL", 72*time.Hour),
			BcryptCost:       getEnvAsInt("AUTH_BCRYPT_COST", 12),
			HashWorkers:      getEnvAsInt("AUTH_HASH_WORKERS", 4),
			CookieName:       getEnv("AUTH_COOKIE_NAME", "SESSION"),
			CookieSecure:     getEnvAsBool("AUTH_COOKIE_SECURE", false),
			CookieSameSite:   getEnv("AUTH_COOKIE_SAMESITE", "lax"),
			CookieDomain:     getEnv("AUTH_COOKIE_DOMAIN", ""),
			PlatformTenantID: getEnv("AUTH_PLATFORM_TENANT_ID", "00000000-0000-0000-0000-000000000001"),
			LoginRatePerSec:  getEnvAsFloat("AUTH_LOGIN_RATE_PER_SEC", 5),
			LoginRateBurst:   getEnvAsInt("AUTH_LOGIN_RATE_BURST", 10),
		},
		Mail: MailConfig{
			Driver:    getEnv("MAIL_DRIVER", "log"),
			From:      getEnv("MAIL_FROM", "no-reply@tenantgate.local"),
			ResetURL:  getEnv("MAIL_RESET_URL", "http://localhost:3000/reset-password?token="),
			InviteURL: getEnv("MAIL_INVITE_URL", "http://localhost:3000/accept-invite?token="),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("EVENTS_NATS_URL", ""),
			SubjectPrefix: getEnv("EVENTS_SUBJECT_PREFIX", "tenantgate.identity"),
		},
		Cleanup: CleanupConfig{
			Schedule:  getEnv("CLEANUP_SCHEDULE", "@every 1h"),
			Retention: getEnvAsDuration("CLEANUP_RETENTION", 7*24*time.Hour),
		},
		Seed: SeedConfig{
			PlatformAdminEmail:    getEnv("SEED_PLATFORM_ADMIN_EMAIL", "admin@platform.local"),
			PlatformAdminPassword: getEnv("SEED_PLATFORM_ADMIN_PASSWORD", ""),
			File:                  getEnv("SEED_FILE", ""),
		},
	}

	return config, nil
}
