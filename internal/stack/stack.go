// Package stack 定義非同步、回呼驅動的網路堆疊介面。
//
// 所有回呼都只會在呼叫 Stack.Poll 的 goroutine 上執行，
// Poll 本身不會長時間阻塞。
package stack

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// 堆疊層級錯誤
var (
	ErrAborted     = errors.New("stack: connection aborted")
	ErrReset       = errors.New("stack: connection reset by peer")
	ErrRefused     = errors.New("stack: connection refused")
	ErrTimeout     = errors.New("stack: connect timeout")
	ErrClosed      = errors.New("stack: pcb closed")
	ErrInProgress  = errors.New("stack: connect already in progress")
	ErrBadAddress  = errors.New("stack: invalid address")
	ErrNotAttached = errors.New("stack: pcb not connected")
)

// Endpoint 遠端位址
type Endpoint struct {
	Addr netip.Addr
}

func (e Endpoint) String() string {
	return e.Addr.String()
}

// IsValid 位址是否已解析
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// ParseEndpoint 解析 IPv4/IPv6 字面位址
func ParseEndpoint(host string) (Endpoint, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrBadAddress, host)
	}
	return Endpoint{Addr: addr.Unmap()}, nil
}

// Callbacks 連線事件回呼
//
// Recv 收到 nil payload 表示對端已正常關閉 (err 為 nil) 或堆疊錯誤。
// Recv 回傳實際消化的位元組數，未消化的尾端由堆疊保留，
// 於之後的 Poll 中依序重新投遞。
//
// Err 觸發時，或 Connected 帶著錯誤觸發時，PCB 已經被堆疊釋放，
// 處理函式不可再對其呼叫 Close。
type Callbacks struct {
	Connected func(arg any, err error)
	Sent      func(arg any, n int)
	Recv      func(arg any, p []byte, err error) int
	Poll      func(arg any)
	Err       func(arg any, err error)
}

// PCB 單一連線的控制物件
type PCB interface {
	// Register 註冊回呼與輪詢間隔，cb 為 nil 時解除所有回呼
	Register(arg any, cb *Callbacks, interval time.Duration)

	// Connect 發起非同步連線，結果經由 Connected 回呼回報
	Connect(ep Endpoint, port uint16) error

	// Write 複製 p 到送出佇列，回傳接受的位元組數 (佇列滿時可能為 0)
	Write(p []byte) (int, error)

	// Output 要求堆疊送出佇列中的資料
	Output() error

	// Recved 確認已處理 n 個接收位元組，重新開啟接收視窗
	Recved(n int)

	// SndBuf 送出佇列剩餘空間
	SndBuf() int

	// Close 正常關閉
	Close() error

	// Abort 強制關閉，不觸發 Err 回呼
	Abort()
}

// Stack 網路堆疊
type Stack interface {
	// Resolve 解析文字位址
	Resolve(host string) (Endpoint, error)

	// New 配置新的 PCB
	New(ep Endpoint) (PCB, error)

	// Poll 執行一次協作式排程，派送目前待處理的回呼
	Poll()
}
