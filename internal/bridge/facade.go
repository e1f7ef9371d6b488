package bridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// active 讀寫前置檢查
func (b *Bridge) active(h Handle) (*record, error) {
	if b.loop.Busy() {
		return nil, ErrReentrant
	}
	r := b.conns[h]
	if r == nil {
		return nil, ErrUnknownHandle
	}
	if r.state != StateConnected {
		r.logger.Debug("連線尚未建立", zap.Stringer("state", r.state))
		return nil, r.notReadyErr()
	}
	return r, nil
}

// Read 在 timeout 內讀取最多 len(p) 個位元組
//
// 逾時不是錯誤：回傳目前已讀到的位元組數 (可能為 0) 與 nil。
// 讀取途中連線終止時同樣回傳已讀的部分，呼叫端需以 Connected
// 或 State 分辨逾時與斷線。
func (b *Bridge) Read(h Handle, p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r, err := b.active(h)
	if err != nil {
		return 0, err
	}

	deadline := b.now().Add(timeout)
	total := 0
	for total < len(p) {
		if r.n > 0 {
			n := r.drain(p[total:])
			total += n
			if b.ackPolicy == AckDeferred && r.pcb != nil {
				r.pcb.Recved(n)
			}
			continue
		}
		if r.state != StateConnected {
			break
		}
		if !b.now().Before(deadline) {
			break
		}
		b.loop.Step()
	}

	b.stats.BytesRead.Add(uint64(total))
	if total < len(p) {
		b.stats.ShortReads.Add(1)
		r.logger.Debug("讀取未滿",
			zap.Int("want", len(p)),
			zap.Int("got", total),
			zap.Stringer("state", r.state),
		)
	}
	return total, nil
}

// Write 在 timeout 內將 p 交給堆疊送出
//
// 堆疊會複製資料，呼叫返回後 p 即可重複使用。逾時回傳已交出的
// 位元組數與 nil；堆疊拒絕或連線終止則回傳錯誤。
func (b *Bridge) Write(h Handle, p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r, err := b.active(h)
	if err != nil {
		return 0, err
	}

	deadline := b.now().Add(timeout)
	written := 0
	defer func() {
		b.stats.BytesWritten.Add(uint64(written))
		if written < len(p) {
			b.stats.ShortWrites.Add(1)
		}
	}()

	for written < len(p) {
		if r.state != StateConnected || r.pcb == nil {
			return written, r.closedErr()
		}
		n, err := r.pcb.Write(p[written:])
		if err != nil {
			r.logger.Warn("寫入資料失敗", zap.Error(err))
			return written, fmt.Errorf("bridge: submit: %w", err)
		}
		if n > 0 {
			written += n
			if err := r.pcb.Output(); err != nil {
				r.logger.Warn("送出資料失敗", zap.Error(err))
				return written, fmt.Errorf("bridge: output: %w", err)
			}
		}
		if !b.now().Before(deadline) {
			break
		}
		b.loop.Step()
	}
	return written, nil
}
