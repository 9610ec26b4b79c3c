package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Queue     QueueConfig     `mapstructure:"queue"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Generator GeneratorConfig `mapstructure:"generator"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// JWTConfig 身份提供方签发的访问令牌
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type QueueConfig struct {
	WebhookQueue string `mapstructure:"webhook_queue"`
	MaxWorkers   int    `mapstructure:"max_workers"`
	Async        bool   `mapstructure:"async"` // true: webhook 入队由 worker 处理
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
	CancelURL     string `mapstructure:"cancel_url"`
}

// 扣费失败后的退款策略
const (
	RefundPolicyNone      = "none"
	RefundPolicyOnFailure = "on_failure"
)

type BillingConfig struct {
	FreeGenerations        int          `mapstructure:"free_generations"`
	EntitlingStatuses      []string     `mapstructure:"entitling_statuses"`
	RefundPolicy           string       `mapstructure:"refund_policy"`
	CreditPacks            []CreditPack `mapstructure:"credit_packs"`
	Plans                  []PlanConfig `mapstructure:"plans"`
	BalanceCacheTTLSeconds int          `mapstructure:"balance_cache_ttl_seconds"`
	AuditIntervalMinutes   int          `mapstructure:"audit_interval_minutes"`
}

type CreditPack struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Credits    int    `mapstructure:"credits"`
	UnitAmount int64  `mapstructure:"unit_amount"` // 最小货币单位（分）
	Currency   string `mapstructure:"currency"`
}

type PlanConfig struct {
	ID      string `mapstructure:"id"`       // 内部套餐标识
	PriceID string `mapstructure:"price_id"` // Stripe price id
	Name    string `mapstructure:"name"`
}

type GeneratorConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DefaultFreeGenerations 新用户默认免费生成次数
const DefaultFreeGenerations = 3

// EntitlingStatusSet 返回视为"订阅有效"的状态集合，未配置时只有 active
func (b BillingConfig) EntitlingStatusSet() []string {
	if len(b.EntitlingStatuses) == 0 {
		return []string{"active"}
	}
	return b.EntitlingStatuses
}

func (b BillingConfig) RefundOnFailure() bool {
	return b.RefundPolicy == RefundPolicyOnFailure
}

func (b BillingConfig) InitialFreeGenerations() int {
	if b.FreeGenerations < 0 {
		return 0
	}
	if b.FreeGenerations == 0 {
		return DefaultFreeGenerations
	}
	return b.FreeGenerations
}

func (b BillingConfig) FindCreditPack(id string) (CreditPack, bool) {
	for _, p := range b.CreditPacks {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPack{}, false
}

func (b BillingConfig) FindPlan(id string) (PlanConfig, bool) {
	for _, p := range b.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return PlanConfig{}, false
}

func Load(configPath string) (*Config, error) {
	// .env 可选，只用于本地开发注入环境变量
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("log.level", "info")
	v.SetDefault("queue.webhook_queue", "billing_webhooks")
	v.SetDefault("queue.max_workers", 2)
	v.SetDefault("billing.refund_policy", RefundPolicyNone)
	v.SetDefault("billing.balance_cache_ttl_seconds", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
