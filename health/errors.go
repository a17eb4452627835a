package health

import "errors"

// 预定义错误.
var (
	// ErrNilProbe 未设置探测函数.
	ErrNilProbe = errors.New("health: 探测函数不能为空")

	// ErrNilRegistry 未设置注册表.
	ErrNilRegistry = errors.New("health: 注册表不能为空")

	// ErrProbePanic 探测函数发生 panic，按探测失败处理.
	ErrProbePanic = errors.New("health: 探测函数 panic")

	// ErrProbeTimeout 探测超时.
	ErrProbeTimeout = errors.New("health: 探测超时")

	// ErrUnhealthyResponse 被探测端返回了不健康的响应.
	ErrUnhealthyResponse = errors.New("health: 不健康的响应")

	// ErrMonitorNotRunning 监测器未运行.
	ErrMonitorNotRunning = errors.New("health: 监测器未运行")

	// ErrUnknownProbe 未知的探测类型.
	ErrUnknownProbe = errors.New("health: 未知的探测类型")
)
