package registry

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Status 实例健康状态.
type Status string

const (
	// StatusHealthy 健康，可被负载均衡选中.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy 连续探测失败.
	StatusUnhealthy Status = "unhealthy"

	// StatusDraining 摘流中，不再接收新请求.
	StatusDraining Status = "draining"
)

// Valid 是否为已知状态.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusUnhealthy, StatusDraining:
		return true
	default:
		return false
	}
}

// Address 实例网络地址.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String 返回 host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress 解析 host:port 形式的地址.
func ParseAddress(address string) (Address, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: 主机为空 %s", ErrInvalidAddress, address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: 端口无效 %s", ErrInvalidAddress, address)
	}

	// 监听全部网卡的地址对调用方不可达
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return Address{Host: host, Port: port}, nil
}

// ServiceInstance 服务实例记录.
//
// Registry 返回的实例均为副本，修改副本不会影响注册表.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Address       Address           `json:"address"`
	Status        Status            `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	TTL           time.Duration     `json:"ttl"`
	Connections   int64             `json:"connections"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Deadline 心跳截止时间.
func (i ServiceInstance) Deadline() time.Time {
	return i.LastHeartbeat.Add(i.TTL)
}

// Stale 判断实例在 now 时刻是否过期.
//
// 心跳超过 TTL 或超过 staleness 阈值均视为过期.
func (i ServiceInstance) Stale(now time.Time, staleness time.Duration) bool {
	if now.After(i.Deadline()) {
		return true
	}
	return staleness > 0 && now.Sub(i.LastHeartbeat) > staleness
}

// clone 深拷贝实例.
func (i *ServiceInstance) clone() ServiceInstance {
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
