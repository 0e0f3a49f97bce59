// Package pool 基于 ants 的协程池封装，提供统计与按组等待。
package pool

import "errors"

var (
	// ErrPoolClosed 池已关闭
	ErrPoolClosed = errors.New("pool: closed")

	// ErrPoolOverload 池已满（非阻塞模式）
	ErrPoolOverload = errors.New("pool: overloaded")
)
