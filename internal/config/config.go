package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configDir 由 --config 参数指定，优先级最高
var configDir string

// envSearchDirs .env 文件搜索目录（生产环境由 systemd 注入）
var envSearchDirs = []string{".", ".."}

// SetConfigDir 设置配置文件目录（用于 --config 命令行参数）
func SetConfigDir(dir string) {
	configDir = dir
}

// Load 加载配置
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 根据 APP_ENV 加载 {env}.yaml
//  3. 环境变量覆盖，填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	yamlCfg.Database.Password = getEnv("DB_PASSWORD", "")
	yamlCfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ROOT_USER", "")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_ROOT_PASSWORD", "")
	yamlCfg.Harness.DefaultCredential = getEnv("OPENROUTER_API_KEY", "")
	if ep := os.Getenv("MINIO_ENDPOINT"); ep != "" {
		yamlCfg.MinIO.Endpoint = ep
	}
	if dir := os.Getenv("JOBS_DIR"); dir != "" {
		yamlCfg.Storage.JobsDir = dir
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		yamlCfg.Worker.ConsumerID = id
	}
	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", n, err)
		}
		yamlCfg.Worker.Concurrency = v
	}

	databaseURL := getEnv("DATABASE_URL", buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password))
	redisURL := getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis))

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL),
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		APIServer:      APIServerConfig{Port: getEnv("API_PORT", yamlCfg.APIServer.Port)},
		MinIO:          yamlCfg.MinIO,
		Harness:        yamlCfg.Harness,
		Worker:         yamlCfg.Worker,
		Storage:        yamlCfg.Storage,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles 加载 .env 与 .env.{env}，已存在的环境变量不会被覆盖
func loadEnvFiles(env Environment) {
	if env == EnvProduction {
		return
	}
	for _, dir := range envSearchDirs {
		_ = godotenv.Load(filepath.Join(dir, ".env."+string(env)))
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			return
		}
	}
}

// configPaths 返回配置文件搜索路径
func configPaths(env Environment) []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	if env == EnvProduction {
		return []string{"/etc/bench-runner"}
	}
	return []string{"configs", "../configs", "../../configs"}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml；文件不存在时只使用默认值
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths(env) {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
		break
	}
	return cfg, nil
}

func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8000"},
		Database:  DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", Name: "tbench", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:     MinIOConfig{Bucket: "bench-runner"},
		Harness: HarnessConfig{
			Binary:            "harbor",
			TimeoutMultiplier: 1.0,
			DockerPreflight:   true,
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			ReadTimeout:     5 * time.Second,
			MaxRetries:      3,
			RetryDelay:      60 * time.Second,
			PromoteInterval: 5 * time.Second,
			StatsInterval:   15 * time.Second,
			ClaimIdle:       10 * time.Minute,
			MetricsPort:     "9100",
		},
		Storage: StorageConfig{
			JobsDir:       "jobs",
			MaxLogChars:   50000,
			MaxErrorChars: 10000,
		},
	}
}

// applyDefaults 填充 YAML 中显式写成零值的字段
func (c *Config) applyDefaults() {
	def := defaultYAMLConfig()
	if c.APIServer.Port == "" {
		c.APIServer.Port = def.APIServer.Port
	}
	if c.Harness.Binary == "" {
		c.Harness.Binary = def.Harness.Binary
	}
	if c.Harness.TimeoutMultiplier <= 0 {
		c.Harness.TimeoutMultiplier = def.Harness.TimeoutMultiplier
	}
	if c.Worker.ConsumerID == "" {
		host, _ := os.Hostname()
		c.Worker.ConsumerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = def.Worker.Concurrency
	}
	if c.Worker.ReadTimeout == 0 {
		c.Worker.ReadTimeout = def.Worker.ReadTimeout
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = def.Worker.MaxRetries
	}
	if c.Worker.RetryDelay == 0 {
		c.Worker.RetryDelay = def.Worker.RetryDelay
	}
	if c.Worker.PromoteInterval == 0 {
		c.Worker.PromoteInterval = def.Worker.PromoteInterval
	}
	if c.Worker.StatsInterval == 0 {
		c.Worker.StatsInterval = def.Worker.StatsInterval
	}
	if c.Worker.ClaimIdle <= 0 {
		c.Worker.ClaimIdle = def.Worker.ClaimIdle
	}
	if c.Storage.JobsDir == "" {
		c.Storage.JobsDir = def.Storage.JobsDir
	}
	if c.Storage.MaxLogChars <= 0 {
		c.Storage.MaxLogChars = def.Storage.MaxLogChars
	}
	if c.Storage.MaxErrorChars <= 0 {
		c.Storage.MaxErrorChars = def.Storage.MaxErrorChars
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = def.MinIO.Bucket
	}
}

// validate 校验互相依赖的字段
func (c *Config) validate() error {
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %q", c.DatabaseDriver)
	}
	if c.MinIO.Enabled() && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		return fmt.Errorf("minio endpoint %s configured without MINIO_ROOT_USER/MINIO_ROOT_PASSWORD", c.MinIO.Endpoint)
	}
	return nil
}
