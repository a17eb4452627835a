package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Tsukikage7/orchestrator/registry"
)

// 探测类型.
const (
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

// ProbeConfig 探测配置.
type ProbeConfig struct {
	// Kind 探测类型: tcp, http, grpc
	Kind string `json:"kind" yaml:"kind" mapstructure:"kind"`
	// Path HTTP 探测路径，默认 /healthz
	Path string `json:"path" yaml:"path" mapstructure:"path"`
	// Service gRPC 健康检查的服务名，空表示整体状态
	Service string `json:"service" yaml:"service" mapstructure:"service"`
}

// NewProbe 根据配置创建探测函数.
func NewProbe(cfg ProbeConfig) (ProbeFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", ProbeTCP:
		return TCPProbe(), nil
	case ProbeHTTP:
		return HTTPProbe(cfg.Path, nil), nil
	case ProbeGRPC:
		return GRPCProbe(cfg.Service), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProbe, cfg.Kind)
	}
}

// TCPProbe 能建立 TCP 连接即视为健康.
func TCPProbe() ProbeFunc {
	var dialer net.Dialer
	return func(ctx context.Context, address registry.Address) error {
		conn, err := dialer.DialContext(ctx, "tcp", address.String())
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// HTTPProbe 请求 http://host:port/path，2xx 视为健康.
//
// client 为 nil 时使用 http.DefaultClient，超时由 ctx 控制.
func HTTPProbe(path string, client *http.Client) ProbeFunc {
	if path == "" {
		path = "/healthz"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, address registry.Address) error {
		url := "http://" + address.String() + path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: %s 返回 %d", ErrUnhealthyResponse, url, resp.StatusCode)
		}
		return nil
	}
}

// GRPCProbe 调用 grpc.health.v1.Health/Check，SERVING 视为健康.
func GRPCProbe(service string, dialOpts ...grpc.DialOption) ProbeFunc {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)

	return func(ctx context.Context, address registry.Address) error {
		conn, err := grpc.NewClient("passthrough:///"+address.String(), opts...)
		if err != nil {
			return err
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("%w: %s %s", ErrUnhealthyResponse, address, resp.GetStatus())
		}
		return nil
	}
}
