package stack

import "time"

// dispatcher 回呼註冊與接收佇列 (Sim 與 NetStack 共用)
//
// 只在 Poll 所在的 goroutine 上使用。
type dispatcher struct {
	arg      any
	cb       *Callbacks
	interval time.Duration
	lastPoll time.Time

	rxq    []byte
	fin    bool
	finErr error
}

func (d *dispatcher) register(arg any, cb *Callbacks, interval time.Duration, now time.Time) {
	if cb == nil {
		d.arg = nil
		d.cb = nil
		d.interval = 0
		return
	}
	d.arg = arg
	d.cb = cb
	d.interval = interval
	d.lastPoll = now
}

func (d *dispatcher) connected(err error) {
	if d.cb != nil && d.cb.Connected != nil {
		d.cb.Connected(d.arg, err)
	}
}

func (d *dispatcher) sent(n int) {
	if d.cb != nil && d.cb.Sent != nil && n > 0 {
		d.cb.Sent(d.arg, n)
	}
}

func (d *dispatcher) fail(err error) {
	if d.cb != nil && d.cb.Err != nil {
		d.cb.Err(d.arg, err)
	}
}

// enqueue 將資料附加到接收佇列尾端
func (d *dispatcher) enqueue(p []byte) {
	d.rxq = append(d.rxq, p...)
}

// closeRx 標記接收方向結束，於佇列清空後投遞
func (d *dispatcher) closeRx(err error) {
	d.fin = true
	d.finErr = err
}

// deliver 投遞接收佇列，回傳本次被消化的位元組數
func (d *dispatcher) deliver() int {
	total := 0
	for len(d.rxq) > 0 {
		if d.cb == nil || d.cb.Recv == nil {
			return total
		}
		n := d.cb.Recv(d.arg, d.rxq, nil)
		if n <= 0 {
			return total
		}
		if n > len(d.rxq) {
			n = len(d.rxq)
		}
		total += n
		d.rxq = d.rxq[n:]
	}
	d.rxq = nil

	if d.fin && d.cb != nil && d.cb.Recv != nil {
		d.fin = false
		d.cb.Recv(d.arg, nil, d.finErr)
	}
	return total
}

// pollDue 輪詢間隔到期時觸發 Poll 回呼
func (d *dispatcher) pollDue(now time.Time) {
	if d.cb == nil || d.cb.Poll == nil || d.interval <= 0 {
		return
	}
	if now.Sub(d.lastPoll) < d.interval {
		return
	}
	d.lastPoll = now
	d.cb.Poll(d.arg)
}
