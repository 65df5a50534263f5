package service

import (
	"errors"

	domainservice "fundledger/internal/domain/service"
)

var (
	// ErrInvalidAmount 金额或份额必须大于 0
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInstrumentNotFound 基金代码在目录中不存在
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrPriceUnavailable 无可用净值（缺失、过期或超时），可重试
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInsufficientShares 卖出份额超过持仓
	ErrInsufficientShares = domainservice.ErrInsufficientShares
	// ErrNotFound 持仓不存在
	ErrNotFound = errors.New("not found")
	// ErrTransient 乐观锁重试耗尽
	ErrTransient = errors.New("transient ledger failure")
	// ErrMissingUser 缺少用户 ID
	ErrMissingUser = errors.New("user id is empty")
)
