package registry

import "errors"

// 预定义错误.
var (
	// ErrInvalidAddress 地址格式无效，必须为 host:port.
	ErrInvalidAddress = errors.New("registry: 无效的地址格式")

	// ErrInstanceNotFound 实例不存在.
	ErrInstanceNotFound = errors.New("registry: 实例不存在")

	// ErrEmptyName 服务名称为空.
	ErrEmptyName = errors.New("registry: 服务名称为空")

	// ErrEmptyID 实例 ID 为空.
	ErrEmptyID = errors.New("registry: 实例ID为空")

	// ErrInvalidStatus 未知的健康状态.
	ErrInvalidStatus = errors.New("registry: 无效的健康状态")
)
