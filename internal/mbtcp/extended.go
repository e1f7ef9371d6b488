package mbtcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

// goburrow/modbus 沒有提供的功能碼
const (
	FuncCodeReadFileRecord        = 0x14
	FuncCodeWriteFileRecord       = 0x15
	FuncCodeEncapsulatedInterface = 0x2B
)

// 裝置識別讀取碼
const (
	DeviceIDBasic    byte = 0x01
	DeviceIDRegular  byte = 0x02
	DeviceIDExtended byte = 0x03
)

const (
	meiReadDeviceID   = 0x0E
	fileReferenceType = 0x06
	// 單一子請求最多可帶的暫存器數
	maxFileRecordLength = 122
	// 裝置識別最多跟隨幾次 more follows
	maxDeviceIDRounds = 16
)

var ErrMalformedResponse = errors.New("mbtcp: malformed response")

// DeviceObject 裝置識別物件
type DeviceObject struct {
	ID    byte
	Value string
}

// Do 送出任意 PDU 並回傳回應
//
// 例外回應轉成 *modbus.ModbusError，與 modbus.Client 的行為一致。
func (h *Handler) Do(req *modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error) {
	aduRequest, err := h.Encode(req)
	if err != nil {
		return nil, err
	}
	aduResponse, err := h.Send(aduRequest)
	if err != nil {
		return nil, err
	}
	if err := h.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	resp, err := h.Decode(aduResponse)
	if err != nil {
		return nil, err
	}

	if resp.FunctionCode != req.FunctionCode {
		if resp.FunctionCode == req.FunctionCode|0x80 {
			mbErr := &modbus.ModbusError{FunctionCode: resp.FunctionCode}
			if len(resp.Data) > 0 {
				mbErr.ExceptionCode = resp.Data[0]
			}
			return nil, mbErr
		}
		return nil, fmt.Errorf("mbtcp: response function code %#x does not match request %#x",
			resp.FunctionCode, req.FunctionCode)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrMalformedResponse)
	}
	return resp, nil
}

// WriteFileRecord 寫入檔案記錄 (FC 0x15)
func (h *Handler) WriteFileRecord(file, record uint16, values []uint16) error {
	if err := checkFileRecord(file, record, len(values)); err != nil {
		return err
	}

	data := make([]byte, 0, 8+2*len(values))
	data = append(data, byte(7+2*len(values)), fileReferenceType)
	data = binary.BigEndian.AppendUint16(data, file)
	data = binary.BigEndian.AppendUint16(data, record)
	data = binary.BigEndian.AppendUint16(data, uint16(len(values)))
	for _, v := range values {
		data = binary.BigEndian.AppendUint16(data, v)
	}

	resp, err := h.Do(&modbus.ProtocolDataUnit{FunctionCode: FuncCodeWriteFileRecord, Data: data})
	if err != nil {
		return err
	}
	// 正常回應是請求的回聲
	if len(resp.Data) != len(data) {
		return fmt.Errorf("%w: write file record echo has %d bytes, want %d",
			ErrMalformedResponse, len(resp.Data), len(data))
	}
	for i := range data {
		if resp.Data[i] != data[i] {
			return fmt.Errorf("%w: write file record echo differs at byte %d", ErrMalformedResponse, i)
		}
	}
	return nil
}

// ReadFileRecord 讀取檔案記錄 (FC 0x14)
func (h *Handler) ReadFileRecord(file, record, count uint16) ([]uint16, error) {
	if err := checkFileRecord(file, record, int(count)); err != nil {
		return nil, err
	}

	data := make([]byte, 0, 8)
	data = append(data, 7, fileReferenceType)
	data = binary.BigEndian.AppendUint16(data, file)
	data = binary.BigEndian.AppendUint16(data, record)
	data = binary.BigEndian.AppendUint16(data, count)

	resp, err := h.Do(&modbus.ProtocolDataUnit{FunctionCode: FuncCodeReadFileRecord, Data: data})
	if err != nil {
		return nil, err
	}

	// 回應: 總長度、子回應長度、參考類型、資料
	d := resp.Data
	want := 3 + 2*int(count)
	if len(d) != want || int(d[0]) != want-1 || int(d[1]) != want-2 || d[2] != fileReferenceType {
		return nil, fmt.Errorf("%w: read file record", ErrMalformedResponse)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(d[3+2*i:])
	}
	return values, nil
}

func checkFileRecord(file, record uint16, count int) error {
	if file == 0 {
		return fmt.Errorf("mbtcp: file number must be at least 1")
	}
	if record > 9999 {
		return fmt.Errorf("mbtcp: record number %d out of range", record)
	}
	if count < 1 || count > maxFileRecordLength {
		return fmt.Errorf("mbtcp: record length %d out of range", count)
	}
	return nil
}

// ReadDeviceIdentification 讀取裝置識別 (FC 0x2B / MEI 0x0E)
//
// 回應標示 more follows 時會從下一個物件繼續讀取。
func (h *Handler) ReadDeviceIdentification(code, objectID byte) ([]DeviceObject, error) {
	var objects []DeviceObject
	for round := 0; round < maxDeviceIDRounds; round++ {
		resp, err := h.Do(&modbus.ProtocolDataUnit{
			FunctionCode: FuncCodeEncapsulatedInterface,
			Data:         []byte{meiReadDeviceID, code, objectID},
		})
		if err != nil {
			return nil, err
		}

		page, more, next, err := parseDeviceID(resp.Data, code)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page...)
		if !more || next <= objectID {
			return objects, nil
		}
		objectID = next
	}
	h.logger.Warn("裝置識別分頁過多，提前結束")
	return objects, nil
}

// parseDeviceID 解析 MEI 0x0E 回應
func parseDeviceID(d []byte, code byte) ([]DeviceObject, bool, byte, error) {
	if len(d) < 6 || d[0] != meiReadDeviceID || d[1] != code {
		return nil, false, 0, fmt.Errorf("%w: device identification header", ErrMalformedResponse)
	}
	more := d[3] == 0xFF
	next := d[4]
	count := int(d[5])

	objects := make([]DeviceObject, 0, count)
	rest := d[6:]
	for i := 0; i < count; i++ {
		if len(rest) < 2 || len(rest) < 2+int(rest[1]) {
			return nil, false, 0, fmt.Errorf("%w: device identification object %d", ErrMalformedResponse, i)
		}
		n := int(rest[1])
		objects = append(objects, DeviceObject{ID: rest[0], Value: string(rest[2 : 2+n])})
		rest = rest[2+n:]
	}
	return objects, more, next, nil
}
