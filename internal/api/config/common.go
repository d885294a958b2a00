package config

// Config 配置主体
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"database"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Mongo  MongoConfig  `mapstructure:"mongo"`
	WS     WSConfig     `mapstructure:"ws"`
	IM     IMConfig     `mapstructure:"im"`
}

// ServerConfig Server配置
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig 数据库配置
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MongoConfig Mongo配置
type MongoConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// WSConfig 长连接网关配置
type WSConfig struct {
	HandshakeTimeoutSec int   `mapstructure:"handshake_timeout_sec"` // 认证帧等待窗口
	WriteTimeoutSec     int   `mapstructure:"write_timeout_sec"`
	MaxFrameBytes       int64 `mapstructure:"max_frame_bytes"`
	SendBuffer          int   `mapstructure:"send_buffer"` // 单连接下行缓冲条数
}

// IMConfig 消息核心配置
type IMConfig struct {
	PageSizeCap    int `mapstructure:"page_size_cap"`
	SendRetries    int `mapstructure:"send_retries"` // 消息落库的有限重试次数
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
	DedupTTLMin    int `mapstructure:"dedup_ttl_min"` // 幂等键保留时长
	FanoutWorkers  int `mapstructure:"fanout_workers"`
	EventBuffer    int `mapstructure:"event_buffer"`
}

func (c *Config) applyDefaults() {
	if c.WS.HandshakeTimeoutSec <= 0 {
		c.WS.HandshakeTimeoutSec = 10
	}
	if c.WS.WriteTimeoutSec <= 0 {
		c.WS.WriteTimeoutSec = 10
	}
	if c.WS.MaxFrameBytes <= 0 {
		c.WS.MaxFrameBytes = 64 * 1024
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 256
	}
	if c.IM.PageSizeCap <= 0 {
		c.IM.PageSizeCap = 100
	}
	if c.IM.SendRetries <= 0 {
		c.IM.SendRetries = 3
	}
	if c.IM.RetryBackoffMS <= 0 {
		c.IM.RetryBackoffMS = 200
	}
	if c.IM.DedupTTLMin <= 0 {
		c.IM.DedupTTLMin = 30
	}
	if c.IM.FanoutWorkers <= 0 {
		c.IM.FanoutWorkers = 5
	}
	if c.IM.EventBuffer <= 0 {
		c.IM.EventBuffer = 2048
	}
}
