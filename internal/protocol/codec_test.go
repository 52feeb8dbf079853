package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSerial(t *testing.T, s string) Serial {
	t.Helper()
	out, err := ParseSerial(s)
	require.NoError(t, err)
	return out
}

func TestRoundTripHeartbeat(t *testing.T) {
	p := Packet{Heartbeat: &Heartbeat{Datalog: mustSerial(t, "BA12345678")}}
	encoded, err := Encode(p)
	require.NoError(t, err)

	result, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), result.Consumed)
	assert.Equal(t, p, result.Packet)
}

func TestRoundTripTranslatedData(t *testing.T) {
	p := Packet{TranslatedData: &TranslatedData{
		Datalog:        mustSerial(t, "BA12345678"),
		DeviceFunction: ReadHold,
		Inverter:       mustSerial(t, "SN00000001"),
		Register:       21,
		Values:         []byte{0x34, 0x12, 0x00, 0x00},
	}}

	encoded, err := Encode(p)
	require.NoError(t, err)

	result, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), result.Consumed)
	assert.Equal(t, p, result.Packet)
}

func TestRoundTripReadParam(t *testing.T) {
	p := Packet{ReadParam: &ReadParam{
		Datalog:  mustSerial(t, "BA12345678"),
		Register: 7,
		Values:   []byte{},
	}}
	encoded, err := Encode(p)
	require.NoError(t, err)

	result, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, result.Packet)
}

func TestDecodeIncomplete(t *testing.T) {
	p := Packet{Heartbeat: &Heartbeat{Datalog: mustSerial(t, "BA12345678")}}
	encoded, err := Encode(p)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1])
	assert.ErrorAs(t, err, new(ErrIncomplete))
}

func TestDecodeInvalidPreamble(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
	_, err := Decode(buf)
	assert.ErrorAs(t, err, new(ErrInvalid))
}

func TestDecodeInvalidCRC(t *testing.T) {
	p := Packet{Heartbeat: &Heartbeat{Datalog: mustSerial(t, "BA12345678")}}
	encoded, err := Encode(p)
	require.NoError(t, err)
	encoded[len(encoded)-1] ^= 0xFF

	_, err = Decode(encoded)
	assert.ErrorAs(t, err, new(ErrInvalid))
}

func TestDecodeGoodPrefixThenGarbage(t *testing.T) {
	p := Packet{Heartbeat: &Heartbeat{Datalog: mustSerial(t, "BA12345678")}}
	encoded, err := Encode(p)
	require.NoError(t, err)

	buf := append(append([]byte{}, encoded...), 0xDE, 0xAD, 0xBE, 0xEF)

	result, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), result.Consumed)

	_, err = Decode(buf[result.Consumed:])
	assert.ErrorAs(t, err, new(ErrInvalid))
}

func TestEncodeValuesLengthOddFails(t *testing.T) {
	p := Packet{TranslatedData: &TranslatedData{
		Datalog:  mustSerial(t, "BA12345678"),
		Inverter: mustSerial(t, "SN00000001"),
		Values:   []byte{0x01},
	}}
	_, err := Encode(p)
	assert.Error(t, err)
}

func TestEncodeRegisterOverflowFails(t *testing.T) {
	p := Packet{TranslatedData: &TranslatedData{
		Datalog:  mustSerial(t, "BA12345678"),
		Inverter: mustSerial(t, "SN00000001"),
		Register: 0xFFFE,
		Values:   []byte{0, 0, 0, 0},
	}}
	_, err := Encode(p)
	assert.Error(t, err)
}

func TestFingerprintMatchesRequestAndReply(t *testing.T) {
	req := Packet{TranslatedData: &TranslatedData{
		Datalog:        mustSerial(t, "BA12345678"),
		DeviceFunction: ReadHold,
		Inverter:       mustSerial(t, "SN00000001"),
		Register:       21,
		Values:         []byte{1, 0},
	}}
	reply := Packet{TranslatedData: &TranslatedData{
		Datalog:        mustSerial(t, "BA12345678"),
		DeviceFunction: ReadHold,
		Inverter:       mustSerial(t, "SN00000001"),
		Register:       21,
		Values:         []byte{0x80, 0x00},
	}}
	assert.Equal(t, FingerprintOf(req), FingerprintOf(reply))
}

func TestPairsDecodesSequentialRegisters(t *testing.T) {
	td := &TranslatedData{
		Register: 10,
		Values:   []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00},
	}
	pairs := td.Pairs()
	require.Len(t, pairs, 3)
	assert.Equal(t, RegisterValue{Register: 10, Value: 1}, pairs[0])
	assert.Equal(t, RegisterValue{Register: 11, Value: 2}, pairs[1])
	assert.Equal(t, RegisterValue{Register: 12, Value: 3}, pairs[2])
}
