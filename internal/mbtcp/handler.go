// Package mbtcp 在同步讀寫介面上實作 Modbus TCP 用戶端傳輸。
//
// Handler 同時是 goburrow/modbus 的 Packager 與 Transporter，
// 可以直接交給 modbus.NewClient 使用。
package mbtcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout 回應逾時
	DefaultTimeout = time.Second
	// DefaultWriteTimeout 送出請求逾時
	DefaultWriteTimeout = time.Second
)

var (
	ErrResponseTimeout = errors.New("mbtcp: response timeout")
	ErrShortWrite      = errors.New("mbtcp: request not fully written")
)

// Conn 具截止時間的同步連線
type Conn interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte, timeout time.Duration) (int, error)
	// Err 連線終止原因，仍有效時為 nil
	Err() error
	// Buffered 已收到但尚未讀出的位元組數
	Buffered() int
}

// Handler Modbus TCP 用戶端處理器
type Handler struct {
	SlaveID      byte
	Timeout      time.Duration
	WriteTimeout time.Duration

	conn          Conn
	transactionID atomic.Uint32
	now           func() time.Time
	logger        *zap.Logger
}

var _ modbus.ClientHandler = (*Handler)(nil)

// Option Handler 配置選項
type Option func(*Handler)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSlaveID 設定單元識別碼
func WithSlaveID(id byte) Option {
	return func(h *Handler) {
		h.SlaveID = id
	}
}

// WithTimeout 設定回應逾時
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.Timeout = d
		}
	}
}

// WithWriteTimeout 設定送出逾時
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.WriteTimeout = d
		}
	}
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler 建立處理器
func NewHandler(conn Conn, opts ...Option) *Handler {
	h := &Handler{
		SlaveID:      1,
		Timeout:      DefaultTimeout,
		WriteTimeout: DefaultWriteTimeout,
		conn:         conn,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Encode 實作 modbus.Packager
func (h *Handler) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	adu := applicationDataUnit{
		TransactionID: uint16(h.transactionID.Add(1)),
		ProtocolID:    tcpProtocolID,
		SlaveID:       h.SlaveID,
		Pdu:           *pdu,
	}
	return adu.encode()
}

// Decode 實作 modbus.Packager
func (h *Handler) Decode(aduResponse []byte) (*modbus.ProtocolDataUnit, error) {
	adu, err := decodeADU(aduResponse)
	if err != nil {
		return nil, err
	}
	return &adu.Pdu, nil
}

// Verify 實作 modbus.Packager
func (h *Handler) Verify(aduRequest, aduResponse []byte) error {
	req, err := decodeADU(aduRequest)
	if err != nil {
		return err
	}
	resp, err := decodeADU(aduResponse)
	if err != nil {
		return err
	}
	return req.verify(resp)
}

// Send 實作 modbus.Transporter：送出請求並在逾時內讀回完整回應
//
// 送出前先清掉前一次請求殘留的資料；交易編號較舊的遲到回應會被丟棄，
// 繼續等待本次請求的回應。
func (h *Handler) Send(aduRequest []byte) ([]byte, error) {
	h.flush()

	n, err := h.conn.Write(aduRequest, h.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("mbtcp: send request: %w", err)
	}
	if n < len(aduRequest) {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(aduRequest))
	}
	h.logger.Debug("已送出請求", zap.Binary("adu", aduRequest))

	tid := binary.BigEndian.Uint16(aduRequest)
	deadline := h.now().Add(h.Timeout)
	for {
		adu, err := h.readADU(deadline)
		if err != nil {
			h.flush()
			return nil, err
		}
		got := binary.BigEndian.Uint16(adu)
		if stale(got, tid) {
			h.logger.Warn("丟棄過期回應",
				zap.Uint16("transactionID", got),
				zap.Uint16("want", tid),
			)
			continue
		}
		h.logger.Debug("已收到回應", zap.Binary("adu", adu))
		return adu, nil
	}
}

// readADU 讀取一個完整的 ADU
func (h *Handler) readADU(deadline time.Time) ([]byte, error) {
	header := make([]byte, tcpHeaderSize)
	if err := h.readFull(header, deadline); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || tcpHeaderSize-1+length > tcpMaxSize {
		return nil, fmt.Errorf("mbtcp: invalid length %d in response header", length)
	}

	adu := make([]byte, tcpHeaderSize-1+length)
	copy(adu, header)
	if err := h.readFull(adu[tcpHeaderSize:], deadline); err != nil {
		return nil, err
	}
	return adu, nil
}

// flush 丟棄接收緩衝區中尚未讀出的資料
func (h *Handler) flush() {
	var buf [tcpMaxSize]byte
	for h.conn.Buffered() > 0 {
		n, err := h.conn.Read(buf[:], 0)
		if err != nil || n == 0 {
			return
		}
		h.logger.Debug("丟棄殘留資料", zap.Int("bytes", n))
	}
}

// stale got 是否為早於 want 的交易編號 (考慮迴繞)
func stale(got, want uint16) bool {
	d := want - got
	return d != 0 && d < 0x8000
}

// readFull 在 deadline 前讀滿 p
func (h *Handler) readFull(p []byte, deadline time.Time) error {
	total := 0
	for total < len(p) {
		remaining := deadline.Sub(h.now())
		if remaining <= 0 {
			break
		}
		n, err := h.conn.Read(p[total:], remaining)
		total += n
		if err != nil {
			return fmt.Errorf("mbtcp: read response: %w", err)
		}
		if total < len(p) {
			if err := h.conn.Err(); err != nil {
				return fmt.Errorf("mbtcp: read response: %w", err)
			}
		}
	}
	if total < len(p) {
		h.logger.Warn("等待回應逾時", zap.Int("want", len(p)), zap.Int("got", total))
		return ErrResponseTimeout
	}
	return nil
}
