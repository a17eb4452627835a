// Command controlplane 运行微服务编排控制平面.
//
//	controlplane -config configs/controlplane.yaml
//
// 配置项均可通过 ORCH_ 前缀的环境变量覆盖，如 ORCH_SERVER_ADDR.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Tsukikage7/orchestrator/app"
	"github.com/Tsukikage7/orchestrator/config"
	"github.com/Tsukikage7/orchestrator/controlplane"
	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/server"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，为空时使用默认配置")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cp, err := controlplane.New(cfg, log)
	if err != nil {
		log.With(logger.Err(err)).Error("[App] 控制平面构建失败")
		return err
	}

	admin := server.NewHTTP(cp.Handler(),
		server.WithHTTPName("admin"),
		server.WithHTTPAddr(cfg.Server.Addr),
		server.WithHTTPTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		server.WithHTTPLogger(log),
	)

	hooks := app.NewHooks().
		AfterStart(func(context.Context) error {
			log.With(logger.String("addr", cfg.Server.Addr)).Info("[App] 管理端已就绪")
			return nil
		}).
		Build()

	return app.New(
		app.Name(cfg.Name),
		app.Version(cfg.Version),
		app.Logger(log),
		app.GracefulTimeout(cfg.Server.GracefulTimeout),
		app.SetHooks(hooks),
	).Use(cp, admin).Run()
}

// envPrefix 环境变量前缀.
const envPrefix = "ORCH"

// loadConfig 加载配置，未指定文件时从默认配置开始，环境变量覆盖同样生效.
func loadConfig(path string) (*controlplane.Config, error) {
	defaults, err := configDefaults()
	if err != nil {
		return nil, err
	}
	opts := []config.Option{
		config.WithEnvPrefix(envPrefix),
		config.WithDefaults(defaults),
	}

	if path == "" {
		return config.LoadFromBytes[controlplane.Config]([]byte("{}"), "json", opts...)
	}
	return config.Load[controlplane.Config](path, opts...)
}

// configDefaults 将默认配置展开为 viper 默认值，使每个键都能被环境变量覆盖.
func configDefaults() (map[string]any, error) {
	raw, err := json.Marshal(controlplane.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("默认配置序列化失败: %w", err)
	}
	var defaults map[string]any
	if err := json.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("默认配置解析失败: %w", err)
	}
	return defaults, nil
}
