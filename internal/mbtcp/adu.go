package mbtcp

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"
)

const (
	tcpProtocolID uint16 = 0x0000
	tcpHeaderSize        = 7
	tcpMinSize           = 8
	tcpMaxSize           = 260
)

// applicationDataUnit Modbus TCP 應用資料單元 (MBAP 標頭 + PDU)
type applicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

func decodeADU(raw []byte) (*applicationDataUnit, error) {
	if len(raw) < tcpMinSize {
		return nil, fmt.Errorf("mbtcp: adu length %d does not meet minimum %d", len(raw), tcpMinSize)
	}
	adu := &applicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(raw[0:]),
		ProtocolID:    binary.BigEndian.Uint16(raw[2:]),
		Length:        binary.BigEndian.Uint16(raw[4:]),
		SlaveID:       raw[6],
	}
	if int(adu.Length) != len(raw)-tcpHeaderSize+1 {
		return nil, fmt.Errorf("mbtcp: adu length field %d does not match payload %d", adu.Length, len(raw)-tcpHeaderSize+1)
	}
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return adu, nil
}

func (adu *applicationDataUnit) encode() ([]byte, error) {
	size := tcpMinSize + len(adu.Pdu.Data)
	if size > tcpMaxSize {
		return nil, fmt.Errorf("mbtcp: adu length %d must not be bigger than %d", size, tcpMaxSize)
	}
	raw := make([]byte, size)
	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(size-tcpHeaderSize+1))
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return raw, nil
}

// verify 檢查回應是否對應此請求
func (adu *applicationDataUnit) verify(resp *applicationDataUnit) error {
	if resp.TransactionID != adu.TransactionID {
		return fmt.Errorf("mbtcp: response transaction id %d does not match request %d", resp.TransactionID, adu.TransactionID)
	}
	if resp.ProtocolID != adu.ProtocolID {
		return fmt.Errorf("mbtcp: response protocol id %d does not match request %d", resp.ProtocolID, adu.ProtocolID)
	}
	if resp.SlaveID != adu.SlaveID {
		return fmt.Errorf("mbtcp: response unit id %d does not match request %d", resp.SlaveID, adu.SlaveID)
	}
	return nil
}
