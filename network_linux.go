//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// netlinkChecker 以 netlink 查詢介面狀態
type netlinkChecker struct {
	interfaceName string
	logger        *zap.Logger
}

func newPlatformChecker(interfaceName string, logger *zap.Logger) LinkChecker {
	return &netlinkChecker{interfaceName: interfaceName, logger: logger}
}

// Check 取得介面狀態與 IPv4 位址
func (c *netlinkChecker) Check(ctx context.Context) (*LinkStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	link, err := netlink.LinkByName(c.interfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", c.interfaceName, err)
	}
	attrs := link.Attrs()

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	status := &LinkStatus{
		Interface: c.interfaceName,
		Up:        attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown,
		MTU:       attrs.MTU,
	}
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		ones, _ := addr.Mask.Size()
		status.Addrs = append(status.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
	}

	c.logger.Debug("網路介面狀態",
		zap.String("interface", c.interfaceName),
		zap.Bool("up", status.Up),
		zap.Stringer("operState", attrs.OperState),
		zap.Int("addrs", len(status.Addrs)),
	)
	return status, nil
}
