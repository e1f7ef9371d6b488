package stack

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

// NetConfig 真實 socket 堆疊配置
type NetConfig struct {
	DialTimeout time.Duration // 握手逾時
	PollSlice   time.Duration // Poll 等待第一個事件的上限
	SndBuf      int           // 每條連線的送出佇列容量
	RcvWindow   int           // 未確認的接收位元組上限
	ReadChunk   int           // 單次 socket 讀取大小
	MaxEvents   int           // 單次 Poll 最多派送的事件數
}

// DefaultNetConfig 返回預設配置
func DefaultNetConfig() NetConfig {
	return NetConfig{
		DialTimeout: 5 * time.Second,
		PollSlice:   time.Millisecond,
		SndBuf:      2920,
		RcvWindow:   2048,
		ReadChunk:   1024,
		MaxEvents:   64,
	}
}

type netEventKind int

const (
	netConnected netEventKind = iota
	netSent
	netData
	netEOF
	netError
)

type netEvent struct {
	pcb  *netPCB
	kind netEventKind
	conn net.Conn
	data []byte
	n    int
	err  error
}

// NetStack 以真實 TCP socket 實作 Stack
//
// 撥號、讀取、寫入由背景 goroutine 完成，產生的事件只會在
// 呼叫 Poll 的 goroutine 上派送成回呼。
type NetStack struct {
	cfg    NetConfig
	logger *zap.Logger

	events chan netEvent
	pcbs   map[*netPCB]struct{}
	wg     sync.WaitGroup
}

// NewNetStack 建立 NetStack
func NewNetStack(cfg NetConfig, logger *zap.Logger) *NetStack {
	def := DefaultNetConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PollSlice <= 0 {
		cfg.PollSlice = def.PollSlice
	}
	if cfg.SndBuf <= 0 {
		cfg.SndBuf = def.SndBuf
	}
	if cfg.RcvWindow <= 0 {
		cfg.RcvWindow = def.RcvWindow
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = def.ReadChunk
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetStack{
		cfg:    cfg,
		logger: logger,
		events: make(chan netEvent, 256),
		pcbs:   make(map[*netPCB]struct{}),
	}
}

// Resolve 實作 Stack
func (s *NetStack) Resolve(host string) (Endpoint, error) {
	return ParseEndpoint(host)
}

// New 實作 Stack
func (s *NetStack) New(ep Endpoint) (PCB, error) {
	if !ep.IsValid() {
		return nil, ErrBadAddress
	}
	p := &netPCB{
		st:   s,
		ep:   ep,
		done: make(chan struct{}),
		outq: make(chan *bytebufferpool.ByteBuffer, 64),
	}
	p.winCond = sync.NewCond(&p.winMu)
	s.pcbs[p] = struct{}{}
	return p, nil
}

// Poll 實作 Stack
func (s *NetStack) Poll() {
	timer := time.NewTimer(s.cfg.PollSlice)
	defer timer.Stop()

	dispatched := 0
	select {
	case ev := <-s.events:
		s.handle(ev)
		dispatched++
	case <-timer.C:
	}

drain:
	for dispatched < s.cfg.MaxEvents {
		select {
		case ev := <-s.events:
			s.handle(ev)
			dispatched++
		default:
			break drain
		}
	}

	now := time.Now()
	for p := range s.pcbs {
		if p.state == netEstablished {
			p.flush()
			p.d.deliver()
		}
		if p.state != netClosed {
			p.d.pollDue(now)
		}
	}
}

// Shutdown 中止所有連線並等待背景 goroutine 結束
func (s *NetStack) Shutdown() {
	for p := range s.pcbs {
		p.Abort()
	}
	s.wg.Wait()
}

func (s *NetStack) handle(ev netEvent) {
	p := ev.pcb
	if p.state == netClosed {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case netConnected:
		if ev.err != nil {
			s.logger.Debug("連線失敗", zap.Stringer("remote", p.ep), zap.Error(ev.err))
			p.release()
			p.d.connected(ev.err)
			return
		}
		p.conn = ev.conn
		p.state = netEstablished
		s.wg.Add(2)
		go p.readLoop()
		go p.writeLoop()
		p.d.connected(nil)

	case netSent:
		p.d.sent(ev.n)

	case netData:
		p.d.enqueue(ev.data)
		p.d.deliver()

	case netEOF:
		p.d.closeRx(nil)
		p.d.deliver()

	case netError:
		s.logger.Debug("連線錯誤", zap.Stringer("remote", p.ep), zap.Error(ev.err))
		p.release()
		p.d.fail(ev.err)
	}
}

type netState int

const (
	netIdle netState = iota
	netConnecting
	netEstablished
	netClosed
)

type netPCB struct {
	st *NetStack
	ep Endpoint
	d  dispatcher

	// 只由 Poll 所在 goroutine 存取
	state   netState
	conn    net.Conn
	cancel  context.CancelFunc
	pending *bytebufferpool.ByteBuffer

	done      chan struct{}
	doneOnce  sync.Once
	outq      chan *bytebufferpool.ByteBuffer
	outqOnce  sync.Once
	closing   atomic.Bool
	queued    atomic.Int64
	winMu     sync.Mutex
	winCond   *sync.Cond
	unacked   int
	rxStopped bool
}

func (p *netPCB) Register(arg any, cb *Callbacks, interval time.Duration) {
	p.d.register(arg, cb, interval, time.Now())
}

func (p *netPCB) Connect(ep Endpoint, port uint16) error {
	switch p.state {
	case netConnecting, netEstablished:
		return ErrInProgress
	case netClosed:
		return ErrClosed
	}
	p.state = netConnecting

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	addr := net.JoinHostPort(ep.Addr.String(), strconv.Itoa(int(port)))
	timeout := p.st.cfg.DialTimeout

	p.st.wg.Add(1)
	go func() {
		defer p.st.wg.Done()
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			err = classifyDialErr(err)
		}
		if !p.post(netEvent{kind: netConnected, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (p *netPCB) Write(b []byte) (int, error) {
	switch p.state {
	case netClosed:
		return 0, ErrClosed
	case netEstablished:
	default:
		return 0, ErrNotAttached
	}
	n := p.SndBuf()
	if n > len(b) {
		n = len(b)
	}
	if n == 0 {
		return 0, nil
	}
	if p.pending == nil {
		p.pending = bytebufferpool.Get()
	}
	_, _ = p.pending.Write(b[:n])
	p.queued.Add(int64(n))
	return n, nil
}

func (p *netPCB) Output() error {
	switch p.state {
	case netClosed:
		return ErrClosed
	case netEstablished:
	default:
		return ErrNotAttached
	}
	p.flush()
	return nil
}

// flush 將待送資料交給 writer，佇列忙碌時留待下次
func (p *netPCB) flush() {
	if p.pending == nil || p.pending.Len() == 0 {
		return
	}
	select {
	case p.outq <- p.pending:
		p.pending = nil
	default:
	}
}

func (p *netPCB) Recved(n int) {
	if n <= 0 {
		return
	}
	p.winMu.Lock()
	p.unacked -= n
	if p.unacked < 0 {
		p.unacked = 0
	}
	p.winMu.Unlock()
	p.winCond.Signal()
}

func (p *netPCB) SndBuf() int {
	free := p.st.cfg.SndBuf - int(p.queued.Load())
	if free < 0 {
		return 0
	}
	return free
}

func (p *netPCB) Close() error {
	if p.state == netClosed {
		return ErrClosed
	}
	if p.state == netEstablished {
		p.flush()
		if p.pending != nil {
			// writer 佇列滿載，無法保證送完
			bytebufferpool.Put(p.pending)
			p.pending = nil
			p.release()
			return errors.New("stack: send queue busy on close")
		}
		p.closing.Store(true)
		p.closeOutq()
		p.stopRx()
		p.finish()
		p.state = netClosed
		delete(p.st.pcbs, p)
		return nil
	}
	p.release()
	return nil
}

func (p *netPCB) Abort() {
	if p.state == netClosed {
		return
	}
	if tc, ok := p.conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	p.release()
}

// release 立即釋放所有資源
func (p *netPCB) release() {
	p.closing.Store(true)
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	if p.pending != nil {
		bytebufferpool.Put(p.pending)
		p.pending = nil
	}
	p.closeOutq()
	p.stopRx()
	p.finish()
	p.state = netClosed
	delete(p.st.pcbs, p)
}

func (p *netPCB) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *netPCB) closeOutq() {
	p.outqOnce.Do(func() { close(p.outq) })
}

func (p *netPCB) stopRx() {
	p.winMu.Lock()
	p.rxStopped = true
	p.winMu.Unlock()
	p.winCond.Broadcast()
}

// post 投遞事件，PCB 已關閉時放棄
func (p *netPCB) post(ev netEvent) bool {
	ev.pcb = p
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.st.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

func (p *netPCB) readLoop() {
	defer p.st.wg.Done()
	chunk := p.st.cfg.ReadChunk
	window := p.st.cfg.RcvWindow
	buf := make([]byte, chunk)

	for {
		p.winMu.Lock()
		for p.unacked >= window && !p.rxStopped {
			p.winCond.Wait()
		}
		if p.rxStopped {
			p.winMu.Unlock()
			return
		}
		room := window - p.unacked
		p.winMu.Unlock()

		if room > chunk {
			room = chunk
		}
		n, err := p.conn.Read(buf[:room])
		if n > 0 {
			p.winMu.Lock()
			p.unacked += n
			p.winMu.Unlock()
			data := make([]byte, n)
			copy(data, buf[:n])
			if !p.post(netEvent{kind: netData, data: data}) {
				return
			}
		}
		if err != nil {
			if p.closing.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				p.post(netEvent{kind: netEOF})
			} else {
				p.post(netEvent{kind: netError, err: classifyIOErr(err)})
			}
			return
		}
	}
}

func (p *netPCB) writeLoop() {
	defer p.st.wg.Done()
	conn := p.conn
	for b := range p.outq {
		n := b.Len()
		_, err := conn.Write(b.B)
		bytebufferpool.Put(b)
		p.queued.Add(int64(-n))
		if err != nil {
			if !p.closing.Load() {
				p.post(netEvent{kind: netError, err: classifyIOErr(err)})
			}
			return
		}
		p.post(netEvent{kind: netSent, n: n})
	}
	// outq 關閉：Close 後送完剩餘資料再關閉 socket
	_ = conn.Close()
}

func classifyDialErr(err error) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return errors.Join(ErrAborted, err)
	default:
		return errors.Join(ErrRefused, err)
	}
}

func classifyIOErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return errors.Join(ErrAborted, err)
	}
	return errors.Join(ErrReset, err)
}
