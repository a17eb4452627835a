package controlplane

import "errors"

// 预定义错误.
var (
	// ErrNilConfig 配置为空.
	ErrNilConfig = errors.New("controlplane: 配置为空")

	// ErrBuild 组件构建失败.
	ErrBuild = errors.New("controlplane: 组件构建失败")
)
