package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
		Debug       bool   `mapstructure:"debug"`
		// 节点标识，用作文档写权限租约的持有者
		NodeID string `mapstructure:"nodeId"`
	} `mapstructure:"app"`
	Running struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json / console
	} `mapstructure:"log"`
	Mysql struct {
		// 为空时使用内存存储（单机开发）
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		// auth-service 地址，secret 为空时走远程校验
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
		// 关闭鉴权，仅用于本地调试
		Disabled bool `mapstructure:"disabled"`
	} `mapstructure:"auth"`
	Git struct {
		RepoPath    string `mapstructure:"repoPath"`
		AuthorName  string `mapstructure:"authorName"`
		AuthorEmail string `mapstructure:"authorEmail"`
		FileExt     string `mapstructure:"fileExt"`
	} `mapstructure:"git"`
	Session struct {
		IdleTimeout time.Duration `mapstructure:"idleTimeout"`
		EvictGrace  time.Duration `mapstructure:"evictGrace"`
		SendBuffer  int           `mapstructure:"sendBuffer"`
		QueueSize   int           `mapstructure:"queueSize"`
		RingSize    int           `mapstructure:"ringSize"`
		LeaseTTL    time.Duration `mapstructure:"leaseTTL"`
	} `mapstructure:"session"`
	Materializer struct {
		Interval    time.Duration `mapstructure:"interval"`
		OpThreshold int           `mapstructure:"opThreshold"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
		// 已提交快照之后保留多少条日志用于变换
		Retention uint64 `mapstructure:"retention"`
	} `mapstructure:"materializer"`
	Reconcile struct {
		PollInterval time.Duration `mapstructure:"pollInterval"`
	} `mapstructure:"reconcile"`
	Cors struct {
		Origins []string `mapstructure:"origins"`
		Methods []string `mapstructure:"methods"`
		Headers []string `mapstructure:"headers"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "md-editor-sync")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.nodeId", "")

	v.SetDefault("running.host", "0.0.0.0")
	v.SetDefault("running.port", 8000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)

	v.SetDefault("git.repoPath", "./data/repo")
	v.SetDefault("git.authorName", "md-editor sync")
	v.SetDefault("git.authorEmail", "sync@md-editor.local")
	v.SetDefault("git.fileExt", ".md")

	v.SetDefault("session.idleTimeout", 2*time.Minute)
	v.SetDefault("session.evictGrace", 30*time.Second)
	v.SetDefault("session.sendBuffer", 256)
	v.SetDefault("session.queueSize", 1024)
	v.SetDefault("session.ringSize", 1024)
	v.SetDefault("session.leaseTTL", 15*time.Second)

	v.SetDefault("materializer.interval", 30*time.Second)
	v.SetDefault("materializer.opThreshold", 200)
	v.SetDefault("materializer.workers", 2)
	v.SetDefault("materializer.maxRetry", 5)
	v.SetDefault("materializer.baseBackoff", 200*time.Millisecond)
	v.SetDefault("materializer.maxBackoff", 10*time.Second)
	v.SetDefault("materializer.retention", 1000)

	v.SetDefault("reconcile.pollInterval", 10*time.Second)

	v.SetDefault("cors.origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("cors.methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.headers", []string{"Origin", "Content-Type", "Accept", "Authorization"})
}

// Load 读取 syncConfig.yaml，环境变量 MDSYNC_<SECTION>_<KEY> 可以覆盖。
// 找不到配置文件时只用默认值。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("MDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
