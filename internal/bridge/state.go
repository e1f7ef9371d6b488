package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// 橋接層錯誤
var (
	ErrNotConnected     = errors.New("bridge: not connected")
	ErrClosed           = errors.New("bridge: connection closed")
	ErrUnknownHandle    = fmt.Errorf("%w: unknown handle", ErrNotConnected)
	ErrReentrant        = errors.New("bridge: blocking call from inside a poll step")
	ErrIdleTimeout      = errors.New("bridge: idle poll timeout")
	ErrHandshakeTimeout = errors.New("bridge: handshake timeout")
	ErrBadPort          = errors.New("bridge: invalid port")
)

// State 連線狀態
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminated 是否已進入終止狀態
func (s State) Terminated() bool {
	return s == StateClosing || s == StateClosed
}

// Reason 連線終止原因
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLocalClose
	ReasonPeerClosed
	ReasonHandshakeFailed
	ReasonStackError
	ReasonIdleTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalClose:
		return "local_close"
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonHandshakeFailed:
		return "handshake_failed"
	case ReasonStackError:
		return "stack_error"
	case ReasonIdleTimeout:
		return "idle_timeout"
	default:
		return "unknown"
	}
}

// ClosedError 已終止連線的錯誤
//
// errors.Is 對 ErrClosed、ErrNotConnected 以及造成終止的原因都成立。
type ClosedError struct {
	Reason Reason
	Err    error
}

func (e *ClosedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", ErrClosed, e.Reason)
	}
	return fmt.Sprintf("%v (%s): %v", ErrClosed, e.Reason, e.Err)
}

func (e *ClosedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrClosed, ErrNotConnected}
	}
	return []error{ErrClosed, ErrNotConnected, e.Err}
}

// AckPolicy 接收緩衝區滿載時的確認策略
type AckPolicy int

const (
	// AckLossy 確認全部接收的位元組，超出緩衝區的部分直接丟棄
	AckLossy AckPolicy = iota
	// AckDeferred 只確認已複製的位元組，其餘由堆疊保留，讀出後才確認
	AckDeferred
)

func (p AckPolicy) String() string {
	switch p {
	case AckLossy:
		return "lossy"
	case AckDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ParseAckPolicy 解析確認策略
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToLower(s) {
	case "", "lossy":
		return AckLossy, nil
	case "deferred":
		return AckDeferred, nil
	default:
		return AckLossy, fmt.Errorf("unknown ack policy %q", s)
	}
}

// IdlePolicy 輪詢回呼觸發時的處理策略
type IdlePolicy int

const (
	// IdleProbe 只記錄存活探測，逾時由讀寫的截止時間決定
	IdleProbe IdlePolicy = iota
	// IdleClose 輪詢回呼觸發即以逾時關閉連線
	IdleClose
)

func (p IdlePolicy) String() string {
	switch p {
	case IdleProbe:
		return "probe"
	case IdleClose:
		return "close"
	default:
		return "unknown"
	}
}

// ParseIdlePolicy 解析輪詢策略
func ParseIdlePolicy(s string) (IdlePolicy, error) {
	switch strings.ToLower(s) {
	case "", "probe":
		return IdleProbe, nil
	case "close":
		return IdleClose, nil
	default:
		return IdleProbe, fmt.Errorf("unknown idle policy %q", s)
	}
}
