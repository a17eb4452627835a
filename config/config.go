// Package config 提供基于 viper 的配置加载.
//
// 配置文件格式按扩展名识别，环境变量可覆盖文件中的任意键:
//
//	cfg, err := config.Load[controlplane.Config]("orchestrator.yaml",
//	    config.WithEnvPrefix("ORCH"),
//	)
//
// ORCH_HEALTH_INTERVAL=2s 会覆盖 health.interval.
package config

import (
	"path/filepath"
	"strings"
)

// Validatable 可验证的配置接口.
type Validatable interface {
	Validate() error
}

// Defaulter 可填充默认值的配置接口，在验证之前调用.
type Defaulter interface {
	SetDefaults()
}

// GetConfigType 根据文件扩展名获取配置类型.
func GetConfigType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return ""
	}
}
