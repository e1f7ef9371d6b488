package mbtcp

import (
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_FileRecordRoundTrip(t *testing.T) {
	handler, _, peer := setup(t)
	slave := newFakeSlave()
	peer.Respond(slave.handle)

	values := []uint16{0x0000, 0x00AA, 0x5500, 0xFFFF}
	require.NoError(t, handler.WriteFileRecord(1, 0, values))
	assert.Equal(t, uint16(0x5500), slave.files[1<<16|2])

	got, err := handler.ReadFileRecord(1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestHandler_FileRecordArguments(t *testing.T) {
	handler := NewHandler(nil)

	tests := []struct {
		name   string
		file   uint16
		record uint16
		count  int
	}{
		{name: "file zero", file: 0, record: 0, count: 1},
		{name: "record out of range", file: 1, record: 10000, count: 1},
		{name: "empty", file: 1, record: 0, count: 0},
		{name: "too long", file: 1, record: 0, count: maxFileRecordLength + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.WriteFileRecord(tt.file, tt.record, make([]uint16, tt.count))
			assert.Error(t, err)
			_, err = handler.ReadFileRecord(tt.file, tt.record, uint16(tt.count))
			assert.Error(t, err)
		})
	}
}

func TestHandler_DeviceIdentification(t *testing.T) {
	handler, _, peer := setup(t)
	slave := newFakeSlave()
	slave.objects = []DeviceObject{
		{ID: 0x00, Value: "pollbridge"},
		{ID: 0x01, Value: "PB-1"},
		{ID: 0x02, Value: "1.0"},
		{ID: 0x80, Value: "extended-a"},
		{ID: 0x81, Value: "extended-b"},
	}
	slave.pageSize = 2
	peer.Respond(slave.handle)

	basic, err := handler.ReadDeviceIdentification(DeviceIDBasic, 0x00)
	require.NoError(t, err)
	assert.Equal(t, slave.objects, basic, "more follows 應持續讀取直到最後一頁")

	extended, err := handler.ReadDeviceIdentification(DeviceIDExtended, 0x80)
	require.NoError(t, err)
	assert.Equal(t, slave.objects[3:], extended)
}

func TestHandler_DoException(t *testing.T) {
	handler, _, peer := setup(t)
	peer.Respond(func(req []byte) []byte {
		return []byte{req[0], req[1], 0, 0, 0, 3, req[6], req[7] | 0x80, modbus.ExceptionCodeIllegalFunction}
	})

	err := handler.WriteFileRecord(1, 0, []uint16{1})
	var mbErr *modbus.ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, byte(FuncCodeWriteFileRecord|0x80), mbErr.FunctionCode)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalFunction), mbErr.ExceptionCode)
}

func TestParseDeviceID_Malformed(t *testing.T) {
	_, _, _, err := parseDeviceID([]byte{meiReadDeviceID, DeviceIDBasic, 0x81, 0, 0, 1, 0x00, 5, 'a'}, DeviceIDBasic)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, _, _, err = parseDeviceID([]byte{meiReadDeviceID, DeviceIDRegular, 0x81, 0, 0, 0}, DeviceIDBasic)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
