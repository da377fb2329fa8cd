package controller

import "errors"

var (
	// ErrRuntime Runtime 调用失败（用户直连路径立即上抛；重试是健康循环的职责）
	ErrRuntime = errors.New("container runtime call failed")
)
