package discovery

import (
	"fmt"
	"time"
)

// 服务发现类型常量.
const (
	TypeConsul = "consul"
)

// 默认配置值.
const (
	DefaultVersion   = "1.0.0"
	DefaultTimeout   = 3 * time.Second
	DefaultQueueSize = 256
)

// Config 服务发现镜像配置.
//
// 启用后本地注册表的注册、注销、状态变更会同步到 Consul agent.
type Config struct {
	Enabled bool   `json:"enabled" toml:"enabled" yaml:"enabled" mapstructure:"enabled"` // 是否启用
	Type    string `json:"type" toml:"type" yaml:"type" mapstructure:"type"`             // 服务发现类型
	Addr    string `json:"addr" toml:"addr" yaml:"addr" mapstructure:"addr"`             // 服务发现地址
	Token   string `json:"token" toml:"token" yaml:"token" mapstructure:"token"`         // ACL token

	Version   string        `json:"version" toml:"version" yaml:"version" mapstructure:"version"`             // 写入 Meta 的版本
	Tags      []string      `json:"tags" toml:"tags" yaml:"tags" mapstructure:"tags"`                         // 附加标签
	Timeout   time.Duration `json:"timeout" toml:"timeout" yaml:"timeout" mapstructure:"timeout"`             // 单次请求超时
	QueueSize int           `json:"queue_size" toml:"queue_size" yaml:"queue_size" mapstructure:"queue_size"` // 待同步事件队列长度
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.Type != "" && c.Type != TypeConsul {
		return &ConfigError{Field: "type", Message: fmt.Sprintf("%v: %s", ErrUnsupportedType, c.Type)}
	}
	if c.Timeout < 0 {
		return &ConfigError{Field: "timeout", Message: "不能为负数"}
	}
	if c.QueueSize < 0 {
		return &ConfigError{Field: "queue_size", Message: "不能为负数"}
	}
	return nil
}

// SetDefaults 设置默认配置.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = TypeConsul
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// ConfigError 配置错误.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Message)
}
