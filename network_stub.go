//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

// stubChecker 非 Linux 平台以標準函式庫查詢介面
type stubChecker struct {
	interfaceName string
	logger        *zap.Logger
}

func newPlatformChecker(interfaceName string, logger *zap.Logger) LinkChecker {
	return &stubChecker{interfaceName: interfaceName, logger: logger}
}

// Check 取得介面狀態 (stub)
func (c *stubChecker) Check(ctx context.Context) (*LinkStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iface, err := net.InterfaceByName(c.interfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", c.interfaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("取得介面位址失敗: %w", err)
	}

	c.logger.Warn("網路介面檢查僅在 Linux 上使用 netlink，改用標準函式庫",
		zap.String("interface", c.interfaceName),
	)

	status := &LinkStatus{
		Interface: c.interfaceName,
		Up:        iface.Flags&net.FlagUp != 0,
		MTU:       iface.MTU,
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
				ones, _ := ipNet.Mask.Size()
				status.Addrs = append(status.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
			}
		}
	}
	return status, nil
}
