package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"modbus-pollbridge/internal/bridge"
	"modbus-pollbridge/internal/mbtcp"
	"modbus-pollbridge/internal/stack"

	"github.com/goburrow/modbus"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// 示範流程使用的位址
const (
	DemoCoilAddress     = 64
	DemoRegisterAddress = 26
	DemoFileNumber      = 1
	DemoRecordNumber    = 0
	// 擴充裝置識別的起始物件
	DemoExtendedObject = 0x80
)

// DemoFileRecord 寫入檔案記錄的內容
var DemoFileRecord = []uint16{0x0000, 0x00AA, 0x5500, 0xFFFF}

// DemoResult 示範流程讀回的資料
//
// 對端以例外回應拒絕的步驟，對應欄位為 nil。
type DemoResult struct {
	Coils     []bool
	Registers []uint16
	File      []uint16
	Device    []mbtcp.DeviceObject
	Extended  []mbtcp.DeviceObject
}

// Client 在橋接層上執行 Modbus 請求
type Client struct {
	cfg    *Config
	st     stack.Stack
	bridge *bridge.Bridge
	now    func() time.Time

	handle  bridge.Handle
	handler *mbtcp.Handler
	modbus  modbus.Client

	logger *zap.Logger
}

// NewClient 以真實 socket 堆疊建立用戶端
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	st := stack.NewNetStack(stack.NetConfig{
		DialTimeout: cfg.Bridge.ConnectTimeout,
		PollSlice:   cfg.Bridge.PollSlice,
		SndBuf:      cfg.Bridge.SndBuf,
		RcvWindow:   cfg.Bridge.RcvWindow,
	}, logger.Named("stack"))
	return newClient(cfg, st, time.Now, logger)
}

func newClient(cfg *Config, st stack.Stack, now func() time.Time, logger *zap.Logger) *Client {
	opts := append(cfg.BridgeOptions(),
		bridge.WithLogger(logger.Named("bridge")),
		bridge.WithClock(now),
	)
	return &Client{
		cfg:    cfg,
		st:     st,
		bridge: bridge.New(st, opts...),
		now:    now,
		logger: logger,
	}
}

// Bridge 取得橋接層
func (c *Client) Bridge() *bridge.Bridge { return c.bridge }

// Connected 連線是否有效
func (c *Client) Connected() bool {
	return c.handler != nil && c.bridge.Connected(c.handle)
}

// Connect 以指數退避重試連線到目標
func (c *Client) Connect(ctx context.Context) error {
	c.release()

	b := &backoff.Backoff{
		Min:    c.cfg.Retry.Min,
		Max:    c.cfg.Retry.Max,
		Factor: c.cfg.Retry.Factor,
		Jitter: c.cfg.Retry.Jitter,
	}
	port := strconv.Itoa(c.cfg.Target.Port)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.Attempts; attempt++ {
		h, err := c.bridge.Dial(ctx, c.cfg.Target.Address, port, c.cfg.Bridge.ConnectTimeout)
		if err == nil {
			c.attach(h)
			c.logger.Info("已連線到 Modbus 伺服器",
				zap.String("address", c.cfg.Target.Address),
				zap.Int("port", c.cfg.Target.Port),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.cfg.Retry.Attempts {
			break
		}

		wait := b.Duration()
		c.logger.Warn("連線失敗，稍後重試",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := c.Idle(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("連線 %s:%d 失敗 (%d 次嘗試): %w",
		c.cfg.Target.Address, c.cfg.Target.Port, c.cfg.Retry.Attempts, lastErr)
}

func (c *Client) attach(h bridge.Handle) {
	c.handle = h
	c.handler = mbtcp.NewHandler(c.bridge.Conn(h),
		mbtcp.WithSlaveID(c.cfg.Target.UnitID),
		mbtcp.WithTimeout(c.cfg.Target.ResponseTimeout),
		mbtcp.WithWriteTimeout(c.cfg.Bridge.WriteTimeout),
		mbtcp.WithClock(c.now),
		mbtcp.WithLogger(c.logger.Named("mbtcp")),
	)
	c.modbus = modbus.NewClient(c.handler)
}

// release 釋放目前的連線記錄
func (c *Client) release() {
	if c.handler == nil {
		return
	}
	_ = c.bridge.Close(c.handle)
	c.handler = nil
	c.modbus = nil
}

// Idle 持續推進輪詢直到 d 經過或 ctx 結束
func (c *Client) Idle(ctx context.Context, d time.Duration) error {
	deadline := c.now().Add(d)
	for c.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.bridge.Loop().Step()
	}
	return nil
}

// RunDemo 執行示範流程
func (c *Client) RunDemo() (*DemoResult, error) {
	if c.modbus == nil {
		return nil, bridge.ErrNotConnected
	}
	result := &DemoResult{}

	// 寫入兩個線圈並讀回三個，第三個應維持關閉
	if _, err := c.modbus.WriteMultipleCoils(DemoCoilAddress, 2, []byte{0x03}); err != nil {
		return nil, fmt.Errorf("寫入線圈失敗: %w", err)
	}
	c.logger.Info("已寫入線圈", zap.Int("address", DemoCoilAddress), zap.Int("quantity", 2))

	coils, err := c.modbus.ReadCoils(DemoCoilAddress, 3)
	if err != nil {
		return nil, fmt.Errorf("讀取線圈失敗: %w", err)
	}
	if len(coils) < 1 {
		return nil, fmt.Errorf("讀取線圈失敗: 回應為空")
	}
	for i := 0; i < 3; i++ {
		result.Coils = append(result.Coils, coils[i/8]&(1<<(i%8)) != 0)
	}
	c.logger.Info("已讀取線圈", zap.Bools("values", result.Coils))

	if _, err := c.modbus.WriteMultipleRegisters(DemoRegisterAddress, 2, []byte{0, 123, 0, 124}); err != nil {
		return nil, fmt.Errorf("寫入暫存器失敗: %w", err)
	}
	c.logger.Info("已寫入暫存器", zap.Int("address", DemoRegisterAddress), zap.Int("quantity", 2))

	regs, err := c.modbus.ReadHoldingRegisters(DemoRegisterAddress, 2)
	if err != nil {
		return nil, fmt.Errorf("讀取暫存器失敗: %w", err)
	}
	for i := 0; i+1 < len(regs); i += 2 {
		result.Registers = append(result.Registers, uint16(regs[i])<<8|uint16(regs[i+1]))
	}
	c.logger.Info("已讀取暫存器", zap.Uint16s("values", result.Registers))

	// 以下功能碼不一定被支援，例外回應只記錄不中斷流程
	if err := c.handler.WriteFileRecord(DemoFileNumber, DemoRecordNumber, DemoFileRecord); err != nil {
		if !c.tolerate("寫入檔案記錄", err) {
			return nil, fmt.Errorf("寫入檔案記錄失敗: %w", err)
		}
	}

	file, err := c.handler.ReadFileRecord(DemoFileNumber, DemoRecordNumber, uint16(len(DemoFileRecord)))
	if err != nil && !c.tolerate("讀取檔案記錄", err) {
		return nil, fmt.Errorf("讀取檔案記錄失敗: %w", err)
	}
	result.File = file

	device, err := c.handler.ReadDeviceIdentification(mbtcp.DeviceIDBasic, 0x00)
	if err != nil && !c.tolerate("讀取基本裝置識別", err) {
		return nil, fmt.Errorf("讀取基本裝置識別失敗: %w", err)
	}
	result.Device = device

	extended, err := c.handler.ReadDeviceIdentification(mbtcp.DeviceIDExtended, DemoExtendedObject)
	if err != nil && !c.tolerate("讀取擴充裝置識別", err) {
		return nil, fmt.Errorf("讀取擴充裝置識別失敗: %w", err)
	}
	result.Extended = extended

	return result, nil
}

// tolerate 對端的例外回應不視為失敗
func (c *Client) tolerate(step string, err error) bool {
	var mbErr *modbus.ModbusError
	if !errors.As(err, &mbErr) {
		return false
	}
	c.logger.Warn("對端不支援此請求",
		zap.String("step", step),
		zap.Uint8("exception", mbErr.ExceptionCode),
	)
	return true
}

// Recoverable 錯誤是否代表連線已失效，可重新連線後再試
func Recoverable(err error) bool {
	return errors.Is(err, bridge.ErrNotConnected)
}

// Shutdown 關閉連線並停止堆疊
func (c *Client) Shutdown() {
	c.release()
	if s, ok := c.st.(interface{ Shutdown() }); ok {
		s.Shutdown()
	}
	c.logger.Info("用戶端已停止")
}
