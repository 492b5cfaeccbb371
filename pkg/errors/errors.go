// Package errors 提供统一错误辅助与 provider 错误分类（瞬时 / 永久），不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	// ErrTransient 网络、超时、5xx、限流：可退避重试
	ErrTransient = errors.New("transient")
	// ErrPermanent 校验失败、配额、未授权：不重试，直接进入失败态
	ErrPermanent = errors.New("permanent")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Transient 将 err 标记为瞬时错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, err: err}
}

// Permanent 将 err 标记为永久错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrPermanent, err: err}
}

// IsTransient 报告 err 是否可重试；未分类错误视为瞬时（保守重试，受最大次数约束）
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// IsPermanent 报告 err 是否被显式标记为永久错误
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}
