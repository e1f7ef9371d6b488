// Package bridge 將非同步、回呼驅動的網路堆疊包裝成
// 具截止時間的同步讀寫介面。
//
// 所有方法都必須在同一個 goroutine 上呼叫；回呼只在 Loop.Step
// 之內執行，因此連線記錄不需要額外的鎖。
package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"modbus-pollbridge/internal/stack"

	"go.uber.org/zap"
)

const (
	// DefaultBufferSize 接收緩衝區預設容量
	DefaultBufferSize = 2048
	// DefaultPollInterval 輪詢回呼預設間隔
	DefaultPollInterval = 5 * time.Second
)

// Stats 橋接統計資訊
type Stats struct {
	Connects        atomic.Uint64
	ConnectFailures atomic.Uint64
	Closes          atomic.Uint64
	Aborts          atomic.Uint64
	Active          atomic.Int64
	BytesReceived   atomic.Uint64
	BytesDropped    atomic.Uint64
	BytesSent       atomic.Uint64
	BytesRead       atomic.Uint64
	BytesWritten    atomic.Uint64
	ShortReads      atomic.Uint64
	ShortWrites     atomic.Uint64
	Rounds          atomic.Uint64
	IdleTicks       atomic.Uint64
}

// Bridge 連線表與讀寫介面
type Bridge struct {
	st   stack.Stack
	loop *Loop
	now  func() time.Time

	bufferSize   int
	pollInterval time.Duration
	ackPolicy    AckPolicy
	idlePolicy   IdlePolicy

	conns map[Handle]*record
	next  Handle

	stats  Stats
	logger *zap.Logger
}

// Option Bridge 配置選項
type Option func(*Bridge)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithBufferSize 設定接收緩衝區容量
func WithBufferSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithPollInterval 設定輪詢回呼間隔
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.pollInterval = d
	}
}

// WithAckPolicy 設定接收確認策略
func WithAckPolicy(p AckPolicy) Option {
	return func(b *Bridge) {
		b.ackPolicy = p
	}
}

// WithIdlePolicy 設定輪詢回呼策略
func WithIdlePolicy(p IdlePolicy) Option {
	return func(b *Bridge) {
		b.idlePolicy = p
	}
}

// WithClock 設定單調時間來源
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New 建立 Bridge
func New(st stack.Stack, opts ...Option) *Bridge {
	b := &Bridge{
		st:           st,
		now:          time.Now,
		bufferSize:   DefaultBufferSize,
		pollInterval: DefaultPollInterval,
		conns:        make(map[Handle]*record),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.loop = NewLoop(st, b.logger.Named("loop"))
	return b
}

// Loop 取得協作式排程器
func (b *Bridge) Loop() *Loop { return b.loop }

// Stats 取得統計資訊
func (b *Bridge) Stats() *Stats { return &b.stats }

// Connect 建立連線記錄並發起非同步連線
//
// 回傳時連線尚未建立，需等待 Connected 或使用 Dial。
func (b *Bridge) Connect(address, port string) (Handle, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadPort, port)
	}

	ep, err := b.st.Resolve(address)
	if err != nil {
		return 0, fmt.Errorf("解析位址 %s 失敗: %w", address, err)
	}

	b.next++
	h := b.next
	r := newRecord(h, ep, uint16(p), b.bufferSize, b.logger.With(
		zap.Uint32("handle", uint32(h)),
		zap.String("remote", net.JoinHostPort(ep.String(), port)),
	))

	pcb, err := b.st.New(ep)
	if err != nil {
		return 0, fmt.Errorf("配置 PCB 失敗: %w", err)
	}
	r.pcb = pcb
	b.conns[h] = r

	pcb.Register(h, b.callbacks(), b.pollInterval)
	r.logger.Debug("正在連線")

	if err := pcb.Connect(ep, uint16(p)); err != nil {
		pcb.Register(nil, nil, 0)
		pcb.Abort()
		r.pcb = nil
		delete(b.conns, h)
		return 0, fmt.Errorf("發起連線失敗: %w", err)
	}
	b.transition(r, event{kind: evConnectIssued})
	return h, nil
}

// Dial 發起連線並推進輪詢直到握手完成
//
// 握手失敗或逾時都會釋放連線記錄。
func (b *Bridge) Dial(ctx context.Context, address, port string, timeout time.Duration) (Handle, error) {
	if b.loop.Busy() {
		return 0, ErrReentrant
	}
	h, err := b.Connect(address, port)
	if err != nil {
		return 0, err
	}

	deadline := b.now().Add(timeout)
	for {
		r := b.conns[h]
		switch r.state {
		case StateConnected:
			return h, nil
		case StateClosed:
			err := r.closedErr()
			delete(b.conns, h)
			return 0, fmt.Errorf("連線 %s 失敗: %w", net.JoinHostPort(address, port), err)
		}

		if err := ctx.Err(); err != nil {
			_ = b.Close(h)
			return 0, err
		}
		if !b.now().Before(deadline) {
			_ = b.Close(h)
			b.stats.ConnectFailures.Add(1)
			return 0, fmt.Errorf("連線 %s 失敗: %w", net.JoinHostPort(address, port), ErrHandshakeTimeout)
		}
		b.loop.Step()
	}
}

// Close 關閉連線並釋放記錄，可重複呼叫
func (b *Bridge) Close(h Handle) error {
	r := b.conns[h]
	if r == nil {
		return nil
	}
	b.transition(r, event{kind: evLocalClose})
	delete(b.conns, h)
	return nil
}

// State 查詢連線狀態與終止原因
func (b *Bridge) State(h Handle) (State, Reason, error) {
	r := b.conns[h]
	if r == nil {
		return StateClosed, ReasonNone, ErrUnknownHandle
	}
	if r.state.Terminated() {
		return r.state, r.reason, r.closedErr()
	}
	return r.state, ReasonNone, nil
}

// Connected 連線是否處於已建立狀態
func (b *Bridge) Connected(h Handle) bool {
	r := b.conns[h]
	return r != nil && r.state == StateConnected
}

// Buffered 接收緩衝區中尚未讀出的位元組數
func (b *Bridge) Buffered(h Handle) int {
	r := b.conns[h]
	if r == nil {
		return 0
	}
	return r.n
}

// Len 連線表中的記錄數
func (b *Bridge) Len() int { return len(b.conns) }

// Conn 取得綁定單一連線的檢視
func (b *Bridge) Conn(h Handle) *Conn {
	return &Conn{b: b, h: h}
}

// Conn 單一連線的讀寫檢視
type Conn struct {
	b *Bridge
	h Handle
}

// Handle 連線代號
func (c *Conn) Handle() Handle { return c.h }

// Read 在 timeout 內讀取最多 len(p) 個位元組
func (c *Conn) Read(p []byte, timeout time.Duration) (int, error) {
	return c.b.Read(c.h, p, timeout)
}

// Write 在 timeout 內寫入 p
func (c *Conn) Write(p []byte, timeout time.Duration) (int, error) {
	return c.b.Write(c.h, p, timeout)
}

// Buffered 接收緩衝區中尚未讀出的位元組數
func (c *Conn) Buffered() int { return c.b.Buffered(c.h) }

// Connected 連線是否仍然有效
func (c *Conn) Connected() bool { return c.b.Connected(c.h) }

// Err 連線終止的原因，仍有效時為 nil
func (c *Conn) Err() error {
	_, _, err := c.b.State(c.h)
	return err
}

// Close 關閉連線
func (c *Conn) Close() error { return c.b.Close(c.h) }
