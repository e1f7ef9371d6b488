package bridge

import (
	"errors"

	"modbus-pollbridge/internal/stack"

	"go.uber.org/zap"
)

type eventKind int

const (
	evConnectIssued eventKind = iota
	evEstablished
	evHandshakeFailed
	evPeerClosed
	evStackError
	evIdleTimeout
	evLocalClose
)

// event 狀態機輸入
type event struct {
	kind eventKind
	err  error
	// PCB 已由堆疊釋放，關閉流程不可再操作它
	pcbGone bool
}

// transition 唯一的狀態轉換函式，保證終止流程只執行一次
func (b *Bridge) transition(r *record, ev event) {
	if r.state.Terminated() {
		return
	}

	switch ev.kind {
	case evConnectIssued:
		if r.state == StateInit {
			r.state = StateConnecting
		}
	case evEstablished:
		if r.state != StateConnecting {
			return
		}
		r.state = StateConnected
		b.stats.Connects.Add(1)
		b.stats.Active.Add(1)
		r.logger.Info("連線已建立")
	case evHandshakeFailed:
		b.stats.ConnectFailures.Add(1)
		b.terminate(r, ReasonHandshakeFailed, ev.err, true)
	case evPeerClosed:
		if ev.err != nil {
			b.terminate(r, ReasonStackError, ev.err, ev.pcbGone)
			return
		}
		b.terminate(r, ReasonPeerClosed, nil, ev.pcbGone)
	case evStackError:
		b.terminate(r, ReasonStackError, ev.err, ev.pcbGone)
	case evIdleTimeout:
		b.terminate(r, ReasonIdleTimeout, ErrIdleTimeout, false)
	case evLocalClose:
		b.terminate(r, ReasonLocalClose, nil, false)
	}
}

func (b *Bridge) terminate(r *record, reason Reason, err error, pcbGone bool) {
	wasConnected := r.state == StateConnected
	r.state = StateClosing
	r.reason = reason
	r.err = err

	b.teardown(r, pcbGone)

	r.state = StateClosed
	b.stats.Closes.Add(1)
	if wasConnected {
		b.stats.Active.Add(-1)
	}

	if reason == ReasonLocalClose || reason == ReasonPeerClosed {
		r.logger.Info("連線已關閉", zap.Stringer("reason", reason))
		return
	}
	r.logger.Warn("連線異常終止", zap.Stringer("reason", reason), zap.Error(err))
}

// teardown 解除回呼後關閉 PCB，正常關閉失敗時改為強制中止
func (b *Bridge) teardown(r *record, pcbGone bool) {
	pcb := r.pcb
	if pcb == nil {
		return
	}
	r.pcb = nil
	if pcbGone {
		return
	}

	pcb.Register(nil, nil, 0)
	if err := pcb.Close(); err != nil {
		r.logger.Warn("正常關閉失敗，改為強制中止", zap.Error(err))
		b.stats.Aborts.Add(1)
		pcb.Abort()
	}
}

func (b *Bridge) callbacks() *stack.Callbacks {
	return &stack.Callbacks{
		Connected: b.onConnected,
		Sent:      b.onSent,
		Recv:      b.onRecv,
		Poll:      b.onPoll,
		Err:       b.onErr,
	}
}

// lookup 由回呼參數取得仍存活的連線記錄
func (b *Bridge) lookup(arg any) *record {
	h, ok := arg.(Handle)
	if !ok {
		return nil
	}
	r := b.conns[h]
	if r == nil || r.state.Terminated() {
		return nil
	}
	return r
}

func (b *Bridge) onConnected(arg any, err error) {
	r := b.lookup(arg)
	if r == nil {
		return
	}
	if err != nil {
		b.transition(r, event{kind: evHandshakeFailed, err: err, pcbGone: true})
		return
	}
	b.transition(r, event{kind: evEstablished})
}

func (b *Bridge) onSent(arg any, n int) {
	r := b.lookup(arg)
	if r == nil {
		return
	}
	r.sent += uint64(n)
	r.sentSinceReset += n
	b.stats.BytesSent.Add(uint64(n))
	r.logger.Debug("資料已送出", zap.Int("len", n))

	if r.sentSinceReset >= len(r.buf) {
		r.rounds++
		r.sentSinceReset = 0
		b.stats.Rounds.Add(1)
	}
}

func (b *Bridge) onRecv(arg any, p []byte, err error) int {
	r := b.lookup(arg)
	if r == nil {
		return len(p)
	}
	if p == nil {
		b.transition(r, event{kind: evPeerClosed, err: err})
		return 0
	}

	copied := r.fill(p)
	r.received += uint64(copied)
	b.stats.BytesReceived.Add(uint64(copied))
	r.logger.Debug("收到資料", zap.Int("len", len(p)), zap.Int("buffered", r.n))

	if b.ackPolicy == AckDeferred {
		// 讀出時才確認
		return copied
	}

	if dropped := len(p) - copied; dropped > 0 {
		r.dropped += uint64(dropped)
		b.stats.BytesDropped.Add(uint64(dropped))
		r.logger.Warn("接收緩衝區已滿，丟棄資料",
			zap.Int("dropped", dropped),
			zap.Int("capacity", len(r.buf)),
		)
	}
	if r.pcb != nil {
		r.pcb.Recved(len(p))
	}
	return len(p)
}

func (b *Bridge) onPoll(arg any) {
	r := b.lookup(arg)
	if r == nil {
		return
	}
	r.idleTicks++
	b.stats.IdleTicks.Add(1)

	if b.idlePolicy == IdleClose {
		b.transition(r, event{kind: evIdleTimeout})
		return
	}
	r.logger.Debug("輪詢探測", zap.Stringer("state", r.state), zap.Uint64("ticks", r.idleTicks))
}

func (b *Bridge) onErr(arg any, err error) {
	if errors.Is(err, stack.ErrAborted) {
		return
	}
	r := b.lookup(arg)
	if r == nil {
		return
	}
	b.transition(r, event{kind: evStackError, err: err, pcbGone: true})
}
