package bridge

import (
	"modbus-pollbridge/internal/stack"

	"go.uber.org/zap"
)

// Handle 連線記錄的不透明代號
type Handle uint32

// record 連線記錄，回呼與讀寫介面共用的唯一可變狀態
type record struct {
	handle Handle
	pcb    stack.PCB
	remote stack.Endpoint
	port   uint16

	// 接收緩衝區，0 <= n <= len(buf)
	buf []byte
	n   int

	// 自上次重設以來被確認送出的位元組數
	sentSinceReset int
	rounds         int

	state  State
	reason Reason
	err    error

	received  uint64
	dropped   uint64
	sent      uint64
	idleTicks uint64

	logger *zap.Logger
}

func newRecord(h Handle, remote stack.Endpoint, port uint16, capacity int, logger *zap.Logger) *record {
	return &record{
		handle: h,
		remote: remote,
		port:   port,
		buf:    make([]byte, capacity),
		state:  StateInit,
		logger: logger,
	}
}

// free 接收緩衝區剩餘空間
func (r *record) free() int {
	return len(r.buf) - r.n
}

// fill 盡可能將 p 複製到緩衝區尾端，回傳複製的位元組數
func (r *record) fill(p []byte) int {
	c := copy(r.buf[r.n:], p)
	r.n += c
	return c
}

// drain 從緩衝區前端取出資料到 p 並壓縮剩餘資料
func (r *record) drain(p []byte) int {
	c := copy(p, r.buf[:r.n])
	copy(r.buf, r.buf[c:r.n])
	r.n -= c
	return c
}

func (r *record) closedErr() error {
	return &ClosedError{Reason: r.reason, Err: r.err}
}

// notReadyErr 讀寫前置條件不成立時的錯誤
func (r *record) notReadyErr() error {
	if r.state.Terminated() {
		return r.closedErr()
	}
	return ErrNotConnected
}
