package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// PeerState 伺服器狀態
type PeerState int32

const (
	PeerStateStopped PeerState = iota
	PeerStateStarting
	PeerStateRunning
	PeerStateStopping
)

func (s PeerState) String() string {
	switch s {
	case PeerStateStopped:
		return "stopped"
	case PeerStateStarting:
		return "starting"
	case PeerStateRunning:
		return "running"
	case PeerStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Peer 本地 Modbus TCP 伺服器，作為示範流程的連線對象
type Peer struct {
	mu sync.Mutex

	cfg       PeerConfig
	state     atomic.Int32
	server    *mbserver.Server
	startTime time.Time

	logger *zap.Logger
}

// PeerOption Peer 配置選項
type PeerOption func(*Peer)

// WithPeerLogger 設定日誌
func WithPeerLogger(logger *zap.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// NewPeer 建立伺服器
func NewPeer(cfg PeerConfig, opts ...PeerOption) *Peer {
	p := &Peer{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Start 啟動伺服器
func (p *Peer) Start() error {
	if !p.state.CompareAndSwap(int32(PeerStateStopped), int32(PeerStateStarting)) {
		return fmt.Errorf("伺服器 %s 已經在運行中", p.cfg.Listen)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.server = mbserver.NewServer()
	p.seed()

	// ListenTCP 同步建立 listener，內部以 goroutine accept
	if err := p.server.ListenTCP(p.cfg.Listen); err != nil {
		p.server = nil
		p.state.Store(int32(PeerStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", p.cfg.Listen, err)
	}
	p.startTime = time.Now()
	p.state.Store(int32(PeerStateRunning))

	p.logger.Info("Modbus 伺服器已啟動",
		zap.String("addr", p.cfg.Listen),
		zap.Int("registers", len(p.cfg.HoldingRegisters)),
		zap.Int("coils", len(p.cfg.Coils)),
	)
	return nil
}

// Stop 停止伺服器，可重複呼叫
func (p *Peer) Stop() {
	if !p.state.CompareAndSwap(int32(PeerStateRunning), int32(PeerStateStopping)) {
		return
	}

	p.mu.Lock()
	if p.server != nil {
		p.server.Close()
	}
	p.mu.Unlock()

	p.state.Store(int32(PeerStateStopped))
	p.logger.Info("Modbus 伺服器已停止",
		zap.String("addr", p.cfg.Listen),
		zap.Duration("uptime", time.Since(p.startTime)),
	)
}

// State 取得當前狀態
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// HoldingRegister 讀取保持暫存器目前的值
func (p *Peer) HoldingRegister(addr uint16) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil || int(addr) >= len(p.server.HoldingRegisters) {
		return 0
	}
	return p.server.HoldingRegisters[addr]
}

// Coil 讀取線圈目前的值
func (p *Peer) Coil(addr uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil || int(addr) >= len(p.server.Coils) {
		return false
	}
	return p.server.Coils[addr] != 0
}

// seed 依配置寫入初始資料 (mbserver 的線圈一個位元組代表一個線圈)
func (p *Peer) seed() {
	for _, r := range p.cfg.HoldingRegisters {
		if int(r.Address) < len(p.server.HoldingRegisters) {
			p.server.HoldingRegisters[r.Address] = r.Value
		}
	}
	for _, addr := range p.cfg.Coils {
		if int(addr) < len(p.server.Coils) {
			p.server.Coils[addr] = 1
		}
	}
}
