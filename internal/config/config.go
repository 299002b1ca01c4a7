package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type Config struct {
	Server struct {
		Port        int               `yaml:"port"`
		CORSOrigins []string          `yaml:"corsOrigins"`
		APIKeys     map[string]string `yaml:"apiKeys"`
		// RateLimit is submissions per second per project and client; 0 disables.
		RateLimit       int           `yaml:"rateLimit"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql, postgres or memory
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	Worker struct {
		Core             int           `yaml:"core"`
		Max              int           `yaml:"max"`
		KeepAlive        time.Duration `yaml:"keepAlive"`
		AllowCoreTimeout bool          `yaml:"allowCoreTimeout"`
		SupervisorPeriod time.Duration `yaml:"supervisorPeriod"`
		MonitorPeriod    time.Duration `yaml:"monitorPeriod"`
	} `yaml:"worker"`

	Scan struct {
		ScheduleDelay   time.Duration `yaml:"scheduleDelay"`
		BatchSize       int           `yaml:"batchSize"`
		CommandTimeout  time.Duration `yaml:"commandTimeout"`
		JobTimeout      time.Duration `yaml:"jobTimeout"`
		FinalizeTimeout time.Duration `yaml:"finalizeTimeout"`
		Kubeconfig      string        `yaml:"kubeconfig"`
	} `yaml:"scan"`

	SSH struct {
		DialTimeout time.Duration `yaml:"dialTimeout"`
		KnownHosts  string        `yaml:"knownHosts"`
		// DefaultKey is used for targets that carry no credentials, e.g.
		// requests picked up again after a restart.
		DefaultKey string `yaml:"defaultKey"`
	} `yaml:"ssh"`

	HostScan struct {
		Parallelism int           `yaml:"parallelism"`
		Timeout     time.Duration `yaml:"timeout"`
		Ports       []int         `yaml:"ports"`
		// TTLs overrides the initial-TTL table, family -> initial TTLs.
		TTLs map[string][]int `yaml:"ttls"`
	} `yaml:"hostScan"`

	Paths struct {
		Dialects   string `yaml:"dialects"`
		Rules      string `yaml:"rules"`
		ClusterOps string `yaml:"clusterOps"`
		Events     string `yaml:"events"` // NDJSON file, "-" for stdout
	} `yaml:"paths"`
}

// Default returns the baseline configuration.
func Default() *Config {
	var c Config
	c.Server.Port = 8080
	c.Server.ShutdownTimeout = 15 * time.Second
	c.Database.Driver = "memory"
	c.Database.SSLMode = "disable"
	c.Log.Level = "info"
	c.Worker.Core = 2
	c.Worker.Max = 10
	c.Worker.KeepAlive = time.Minute
	c.Worker.SupervisorPeriod = 30 * time.Second
	c.Worker.MonitorPeriod = 15 * time.Second
	c.Scan.ScheduleDelay = 5 * time.Second
	c.Scan.BatchSize = 100
	c.Scan.CommandTimeout = 30 * time.Second
	c.Scan.FinalizeTimeout = 10 * time.Second
	c.Scan.Kubeconfig = "$HOME/.kube/config"
	c.SSH.DialTimeout = 10 * time.Second
	c.HostScan.Parallelism = 64
	c.HostScan.Timeout = time.Second
	c.HostScan.Ports = []int{22, 5985}
	return &c
}

// Load baca file config.yaml. A missing file is not an error when path is
// the default; env overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
		if v := os.Getenv("CONFIG_PATH"); v != "" {
			path = v
		}
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, err
	}

	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database: host and name are required for %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}
	if c.Worker.Core < 0 || c.Worker.Max < 1 || c.Worker.Core > c.Worker.Max {
		errs = append(errs, fmt.Errorf("worker: need 0 <= core (%d) <= max (%d), max >= 1", c.Worker.Core, c.Worker.Max))
	}
	if c.Worker.KeepAlive <= 0 {
		errs = append(errs, errors.New("worker: keepAlive must be positive"))
	}
	if c.Scan.CommandTimeout <= 0 {
		errs = append(errs, errors.New("scan: commandTimeout must be positive"))
	}
	if c.HostScan.Parallelism < 1 {
		errs = append(errs, errors.New("hostScan: parallelism must be at least 1"))
	}
	if c.Minio.Endpoint != "" && c.Minio.BucketName == "" {
		errs = append(errs, errors.New("minio: bucketName is required"))
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq keyword DSN.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
