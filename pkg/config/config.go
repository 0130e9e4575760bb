package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Reactivation ReactivationConfig `mapstructure:"REACTIVATION"`
	Worker       struct {
		ControlPlaneURL string        `mapstructure:"CONTROL_PLANE_URL"`
		ReportTimeout   time.Duration `mapstructure:"REPORT_TIMEOUT"`
		Concurrency     int           `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
}

// ReactivationConfig holds the tunables of the reactivation controller.
// Every threshold in the policy layer comes from here, never from code.
type ReactivationConfig struct {
	MaxAttempts   int           `mapstructure:"MAX_ATTEMPTS"`
	BaseBackoff   time.Duration `mapstructure:"BASE_BACKOFF"`
	MaxBackoff    time.Duration `mapstructure:"MAX_BACKOFF"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SubmitTimeout time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "autodev-controlplane")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.DBNAME", "autodev.db")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REACTIVATION.MAX_ATTEMPTS", 5)
	v.SetDefault("REACTIVATION.BASE_BACKOFF", time.Minute)
	v.SetDefault("REACTIVATION.MAX_BACKOFF", 30*time.Minute)
	v.SetDefault("REACTIVATION.LOCK_TTL", 30*time.Minute)
	v.SetDefault("REACTIVATION.SWEEP_INTERVAL", 5*time.Minute)
	v.SetDefault("REACTIVATION.SUBMIT_TIMEOUT", 10*time.Second)
	v.SetDefault("WORKER.CONTROL_PLANE_URL", "http://127.0.0.1:8080")
	v.SetDefault("WORKER.REPORT_TIMEOUT", 5*time.Second)
	v.SetDefault("WORKER.CONCURRENCY", 10)
}
