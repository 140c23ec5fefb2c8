// Package config 统一配置管理
//
// API Server 和 Worker 共用同一 YAML schema，通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：密码/密钥只存在 .env 或环境变量中，YAML 中不存储任何密码。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/bench-runner/，dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"` // API Server
	Database  DatabaseConfig  `yaml:"database"`   // 数据库（共享）
	Redis     RedisConfig     `yaml:"redis"`      // Redis（共享）
	MinIO     MinIOConfig     `yaml:"minio"`      // MinIO 产物归档（可选）
	Harness   HarnessConfig   `yaml:"harness"`    // 评测工具调用（Worker）
	Worker    WorkerConfig    `yaml:"worker"`     // Worker 消费与重试
	Storage   StorageConfig   `yaml:"storage"`    // 本地文件布局
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"（为空时按 URL 检测）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// MinIOConfig MinIO 对象存储配置
//
// Endpoint 为空表示不归档产物。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// Enabled 是否配置了对象存储
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != ""
}

// HarnessConfig 评测工具配置
type HarnessConfig struct {
	Binary            string            `yaml:"binary"`             // 可执行文件，默认 harbor
	TimeoutMultiplier float64           `yaml:"timeout_multiplier"` // 作用于 harness 自身的超时
	Agents            map[string]string `yaml:"agents"`             // harness 选择 → agent 名称
	NonFatalPatterns  []string          `yaml:"non_fatal_patterns"` // 已知的后处理缺陷（stderr 匹配）
	DockerPreflight   bool              `yaml:"docker_preflight"`   // 执行前检查 Docker daemon
	DefaultCredential string            `yaml:"-"`                  // 只从 OPENROUTER_API_KEY 环境变量读取
}

// WorkerConfig Worker 配置
type WorkerConfig struct {
	ConsumerID      string        `yaml:"consumer_id"`
	Concurrency     int           `yaml:"concurrency"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	MaxRetries      int           `yaml:"max_retries"` // 首次执行之外的重试次数
	RetryDelay      time.Duration `yaml:"retry_delay"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	ClaimIdle       time.Duration `yaml:"claim_idle"` // pending 消息空闲超过该时长可被其他 worker 认领
	MetricsPort     string        `yaml:"metrics_port"`
}

// StorageConfig 本地文件布局
type StorageConfig struct {
	JobsDir       string `yaml:"jobs_dir"`        // Job 工作目录根
	MaxLogChars   int    `yaml:"max_log_chars"`   // 超过则写入辅助文件
	MaxErrorChars int    `yaml:"max_error_chars"` // 错误信息保留尾部长度
}

// Config 应用配置（最终使用的配置）
//
// Load 之后不再修改，按值或指针传给各组件的构造函数。
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" 或 "sqlite"
	DatabaseURL    string
	RedisURL       string
	APIServer      APIServerConfig
	MinIO          MinIOConfig
	Harness        HarnessConfig
	Worker         WorkerConfig
	Storage        StorageConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
