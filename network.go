package main

import (
	"context"
	"net/netip"

	"go.uber.org/zap"
)

// LinkStatus 網路介面狀態
type LinkStatus struct {
	Interface string
	Up        bool
	MTU       int
	Addrs     []netip.Prefix
}

// Ready 介面已啟用且至少有一個 IPv4 位址
func (s *LinkStatus) Ready() bool {
	if !s.Up {
		return false
	}
	for _, a := range s.Addrs {
		if a.Addr().Is4() {
			return true
		}
	}
	return false
}

// LinkChecker 連線前的網路介面檢查
type LinkChecker interface {
	Check(ctx context.Context) (*LinkStatus, error)
}

// NewLinkChecker 建立平台對應的檢查器
func NewLinkChecker(interfaceName string, logger *zap.Logger) LinkChecker {
	return newPlatformChecker(interfaceName, logger)
}
