package stack

import (
	"fmt"
	"net/netip"
	"time"
)

// SimConfig 模擬堆疊配置
type SimConfig struct {
	Step           time.Duration // 每次 Poll 推進的虛擬時間
	SndBuf         int           // 每條連線的送出佇列容量
	ConnectDelay   time.Duration // 對端存在時握手所需時間
	ConnectTimeout time.Duration // 對端不存在時的連線逾時
	Start          time.Time
}

// DefaultSimConfig 返回預設模擬配置
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Step:           time.Millisecond,
		SndBuf:         2048,
		ConnectDelay:   2 * time.Millisecond,
		ConnectTimeout: 15 * time.Millisecond,
		Start:          time.Unix(1_700_000_000, 0),
	}
}

// Sim 單執行緒、確定性的模擬網路堆疊
//
// 時間只在 Poll 時前進，適合在測試中驗證逾時與事件順序。
type Sim struct {
	cfg   SimConfig
	now   time.Time
	steps uint64

	peers map[netip.AddrPort]*SimPeer
	pcbs  []*simPCB

	newErr error
}

// NewSim 建立模擬堆疊
func NewSim(cfg SimConfig) *Sim {
	def := DefaultSimConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.SndBuf <= 0 {
		cfg.SndBuf = def.SndBuf
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = def.ConnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Start.IsZero() {
		cfg.Start = def.Start
	}
	return &Sim{
		cfg:   cfg,
		now:   cfg.Start,
		peers: make(map[netip.AddrPort]*SimPeer),
	}
}

// Now 目前的虛擬時間
func (s *Sim) Now() time.Time { return s.now }

// Steps 已執行的 Poll 次數
func (s *Sim) Steps() uint64 { return s.steps }

// Live 尚未釋放的 PCB 數量
func (s *Sim) Live() int { return len(s.pcbs) }

// FailNew 讓之後的 New 呼叫失敗，err 為 nil 時恢復
func (s *Sim) FailNew(err error) { s.newErr = err }

// Listen 在 host:port 建立可腳本化的對端
func (s *Sim) Listen(host string, port uint16) *SimPeer {
	ep, err := ParseEndpoint(host)
	if err != nil {
		panic(fmt.Sprintf("sim: listen on %q: %v", host, err))
	}
	key := netip.AddrPortFrom(ep.Addr, port)
	p := &SimPeer{sim: s, key: key}
	s.peers[key] = p
	return p
}

// Resolve 實作 Stack
func (s *Sim) Resolve(host string) (Endpoint, error) {
	return ParseEndpoint(host)
}

// New 實作 Stack
func (s *Sim) New(ep Endpoint) (PCB, error) {
	if s.newErr != nil {
		return nil, s.newErr
	}
	if !ep.IsValid() {
		return nil, ErrBadAddress
	}
	pcb := &simPCB{sim: s, ep: ep}
	s.pcbs = append(s.pcbs, pcb)
	return pcb, nil
}

// Poll 實作 Stack，推進一個時間步並派送事件
func (s *Sim) Poll() {
	s.now = s.now.Add(s.cfg.Step)
	s.steps++

	pcbs := make([]*simPCB, len(s.pcbs))
	copy(pcbs, s.pcbs)
	for _, pcb := range pcbs {
		pcb.step()
	}

	live := s.pcbs[:0]
	for _, pcb := range s.pcbs {
		if pcb.state != simClosed {
			live = append(live, pcb)
		}
	}
	for i := len(live); i < len(s.pcbs); i++ {
		s.pcbs[i] = nil
	}
	s.pcbs = live
}

type simState int

const (
	simIdle simState = iota
	simConnecting
	simEstablished
	simClosed
)

type simPCB struct {
	sim   *Sim
	ep    Endpoint
	d     dispatcher
	state simState

	peer      *SimPeer
	connectAt time.Time

	sndq     []byte
	inflight []byte
	acked    int
}

func (p *simPCB) Register(arg any, cb *Callbacks, interval time.Duration) {
	p.d.register(arg, cb, interval, p.sim.now)
}

func (p *simPCB) Connect(ep Endpoint, port uint16) error {
	switch p.state {
	case simConnecting, simEstablished:
		return ErrInProgress
	case simClosed:
		return ErrClosed
	}
	key := netip.AddrPortFrom(ep.Addr, port)
	peer := p.sim.peers[key]
	if peer != nil && peer.failConnect != nil {
		return peer.failConnect
	}
	p.peer = peer
	p.state = simConnecting
	if peer != nil && !peer.silent {
		p.connectAt = p.sim.now.Add(p.sim.cfg.ConnectDelay)
	} else {
		p.connectAt = p.sim.now.Add(p.sim.cfg.ConnectTimeout)
	}
	return nil
}

func (p *simPCB) Write(b []byte) (int, error) {
	switch p.state {
	case simClosed:
		return 0, ErrClosed
	case simEstablished:
	default:
		return 0, ErrNotAttached
	}
	if p.peer != nil && p.peer.failWrite != nil {
		err := p.peer.failWrite
		p.peer.failWrite = nil
		return 0, err
	}
	n := p.SndBuf()
	if n > len(b) {
		n = len(b)
	}
	p.sndq = append(p.sndq, b[:n]...)
	return n, nil
}

func (p *simPCB) Output() error {
	if p.state == simClosed {
		return ErrClosed
	}
	p.inflight = append(p.inflight, p.sndq...)
	p.sndq = nil
	return nil
}

func (p *simPCB) Recved(n int) {
	if n > 0 {
		p.acked += n
	}
}

func (p *simPCB) SndBuf() int {
	free := p.sim.cfg.SndBuf - len(p.sndq) - len(p.inflight)
	if free < 0 {
		return 0
	}
	return free
}

func (p *simPCB) Close() error {
	if p.peer != nil && p.peer.failClose != nil {
		err := p.peer.failClose
		p.peer.failClose = nil
		return err
	}
	if p.state != simClosed {
		p.state = simClosed
		if p.peer != nil && p.peer.pcb == p {
			p.peer.closedByClient = true
		}
	}
	return nil
}

func (p *simPCB) Abort() {
	p.state = simClosed
	if p.peer != nil && p.peer.pcb == p {
		p.peer.aborted = true
	}
}

func (p *simPCB) step() {
	now := p.sim.now
	switch p.state {
	case simConnecting:
		if now.Before(p.connectAt) {
			break
		}
		var err error
		switch {
		case p.peer == nil || p.peer.silent:
			err = ErrTimeout
		case p.peer.refuse:
			err = ErrRefused
		}
		if err != nil {
			p.state = simClosed
			p.d.connected(err)
			return
		}
		p.state = simEstablished
		p.peer.pcb = p
		p.d.connected(nil)

	case simEstablished:
		peer := p.peer
		if len(p.inflight) > 0 {
			data := p.inflight
			p.inflight = nil
			peer.received = append(peer.received, data...)
			p.d.sent(len(data))
			if peer.respond != nil && p.state == simEstablished {
				if resp := peer.respond(data); len(resp) > 0 {
					peer.Send(resp)
				}
			}
		}
		if p.state != simEstablished {
			return
		}
		if peer.reset {
			peer.reset = false
			p.state = simClosed
			p.d.fail(ErrReset)
			return
		}
		for _, chunk := range peer.outbound {
			p.d.enqueue(chunk)
		}
		peer.outbound = nil
		if peer.fin {
			p.d.closeRx(peer.finErr)
			peer.fin = false
			peer.finErr = nil
		}
		p.d.deliver()
	}

	if p.state != simClosed {
		p.d.pollDue(now)
	}
}

// SimPeer 模擬的遠端對端
type SimPeer struct {
	sim *Sim
	key netip.AddrPort
	pcb *simPCB

	refuse      bool
	silent      bool
	failConnect error
	failClose   error
	failWrite   error

	respond  func([]byte) []byte
	received []byte
	outbound [][]byte
	fin      bool
	finErr   error
	reset    bool

	closedByClient bool
	aborted        bool
}

// Refuse 拒絕之後的連線
func (p *SimPeer) Refuse() { p.refuse = true }

// Silence 不回應握手，連線將逾時
func (p *SimPeer) Silence() { p.silent = true }

// FailConnect 讓 Connect 呼叫立即失敗
func (p *SimPeer) FailConnect(err error) { p.failConnect = err }

// FailClose 讓下一次 Close 回傳 err
func (p *SimPeer) FailClose(err error) { p.failClose = err }

// Respond 設定自動回應函式
func (p *SimPeer) Respond(fn func(req []byte) []byte) { p.respond = fn }

// Send 對端送出資料，於下一次 Poll 投遞
func (p *SimPeer) Send(b []byte) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	p.outbound = append(p.outbound, chunk)
}

// FailWrite 讓下一次 Write 回傳 err，連線維持不變
func (p *SimPeer) FailWrite(err error) { p.failWrite = err }

// Close 對端正常關閉 (FIN)
func (p *SimPeer) Close() { p.fin = true }

// CloseWithError 接收方向以 err 結束
func (p *SimPeer) CloseWithError(err error) {
	p.fin = true
	p.finErr = err
}

// Reset 對端重設連線
func (p *SimPeer) Reset() { p.reset = true }

// Received 對端目前收到的所有資料
func (p *SimPeer) Received() []byte { return p.received }

// Connected 是否有已建立的連線
func (p *SimPeer) Connected() bool {
	return p.pcb != nil && p.pcb.state == simEstablished
}

// Acked 客戶端確認過的接收位元組數
func (p *SimPeer) Acked() int {
	if p.pcb == nil {
		return 0
	}
	return p.pcb.acked
}

// Pending 堆疊保留、尚未被消化的接收位元組數
func (p *SimPeer) Pending() int {
	if p.pcb == nil {
		return 0
	}
	return len(p.pcb.d.rxq)
}

// ClosedByClient 客戶端是否已正常關閉連線
func (p *SimPeer) ClosedByClient() bool { return p.closedByClient }

// Aborted 客戶端是否強制中止連線
func (p *SimPeer) Aborted() bool { return p.aborted }
