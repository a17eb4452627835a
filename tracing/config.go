// Package tracing 提供链路追踪的初始化与 HTTP 传播.
//
// NewTracer 构建 OTLP 导出的 TracerProvider 并设置全局传播器，
// Transport 与 Middleware 在调用链两端注入和提取追踪上下文.
package tracing

// Config 链路追踪配置.
type Config struct {
	// Enabled 是否启用链路追踪
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// OTLP OTLP配置
	OTLP *OTLPConfig `json:"otlp" yaml:"otlp" mapstructure:"otlp"`
	// SamplingRate 采样率 (0.0-1.0)
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" mapstructure:"sampling_rate"`
}

// OTLPConfig OTLP配置.
type OTLPConfig struct {
	// Endpoint OTLP Collector端点
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	// Headers 请求头[可选]
	Headers map[string]string `json:"headers" yaml:"headers" mapstructure:"headers"`
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.OTLP == nil || c.OTLP.Endpoint == "" {
		return ErrEmptyEndpoint
	}
	return nil
}
