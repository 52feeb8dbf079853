// Package protocol implements the inverter wire format: the Packet tagged
// union and the framed codec that encodes/decodes it to bytes.
package protocol

import "fmt"

// Serial is a 10-byte ASCII identifier (datalog or inverter serial).
type Serial [10]byte

// String renders the serial as its 10-character ASCII form.
func (s Serial) String() string {
	return string(s[:])
}

// ParseSerial validates and converts a string into a Serial.
func ParseSerial(s string) (Serial, error) {
	var out Serial
	if len(s) != 10 {
		return out, fmt.Errorf("serial %q must be exactly 10 characters, got %d", s, len(s))
	}
	copy(out[:], s)
	return out, nil
}

// DeviceFunction is the Modbus-derived function code carried by TranslatedData.
type DeviceFunction byte

const (
	ReadInput   DeviceFunction = 4
	ReadHold    DeviceFunction = 3
	WriteSingle DeviceFunction = 6
	WriteMulti  DeviceFunction = 16
)

func (f DeviceFunction) String() string {
	switch f {
	case ReadInput:
		return "ReadInput"
	case ReadHold:
		return "ReadHold"
	case WriteSingle:
		return "WriteSingle"
	case WriteMulti:
		return "WriteMulti"
	default:
		return fmt.Sprintf("DeviceFunction(%d)", byte(f))
	}
}

// packetType is the 1-byte on-wire discriminant for the Packet union.
type packetType byte

const (
	typeHeartbeat      packetType = 1
	typeTranslatedData packetType = 2
	typeReadParam      packetType = 3
	typeWriteParam     packetType = 4
)

// Packet is the tagged union described in spec.md section 3. Exactly one
// of the embedded pointers is non-nil.
type Packet struct {
	Heartbeat      *Heartbeat
	TranslatedData *TranslatedData
	ReadParam      *ReadParam
	WriteParam     *WriteParam
}

type Heartbeat struct {
	Datalog Serial
}

type TranslatedData struct {
	Datalog        Serial
	DeviceFunction DeviceFunction
	Inverter       Serial
	Register       uint16
	Values         []byte
}

type ReadParam struct {
	Datalog  Serial
	Register uint16
	Values   []byte
}

type WriteParam struct {
	Datalog  Serial
	Register uint16
	Values   []byte
}

// Datalog returns the datalog serial carried by whichever variant is set.
func (p Packet) Datalog() Serial {
	switch {
	case p.Heartbeat != nil:
		return p.Heartbeat.Datalog
	case p.TranslatedData != nil:
		return p.TranslatedData.Datalog
	case p.ReadParam != nil:
		return p.ReadParam.Datalog
	case p.WriteParam != nil:
		return p.WriteParam.Datalog
	default:
		return Serial{}
	}
}

// Value decodes the single little-endian u16 carried by a TranslatedData
// packet's Values, or 0 if p carries no TranslatedData.
func (p Packet) Value() uint16 {
	if p.TranslatedData == nil {
		return 0
	}
	return p.TranslatedData.Value()
}

// Fingerprint is the correlation tuple used by reply matching (spec.md section 3).
type Fingerprint struct {
	Variant        packetType
	Datalog        Serial
	DeviceFunction DeviceFunction
	HasFunction    bool
	Register       uint16
}

// FingerprintOf computes the Fingerprint of p for reply correlation.
func FingerprintOf(p Packet) Fingerprint {
	switch {
	case p.Heartbeat != nil:
		return Fingerprint{Variant: typeHeartbeat, Datalog: p.Heartbeat.Datalog}
	case p.TranslatedData != nil:
		td := p.TranslatedData
		return Fingerprint{
			Variant:        typeTranslatedData,
			Datalog:        td.Datalog,
			DeviceFunction: td.DeviceFunction,
			HasFunction:    true,
			Register:       td.Register,
		}
	case p.ReadParam != nil:
		return Fingerprint{Variant: typeReadParam, Datalog: p.ReadParam.Datalog, Register: p.ReadParam.Register}
	case p.WriteParam != nil:
		return Fingerprint{Variant: typeWriteParam, Datalog: p.WriteParam.Datalog, Register: p.WriteParam.Register}
	default:
		return Fingerprint{}
	}
}

// Pairs decodes Values as a sequence of (register, value) pairs starting at
// Register, each value a little-endian u16. Used for ReadHold/WriteMulti replies.
func (td *TranslatedData) Pairs() []RegisterValue {
	out := make([]RegisterValue, 0, len(td.Values)/2)
	reg := td.Register
	for i := 0; i+1 < len(td.Values); i += 2 {
		v := uint16(td.Values[i]) | uint16(td.Values[i+1])<<8
		out = append(out, RegisterValue{Register: reg, Value: v})
		reg++
	}
	return out
}

// Value decodes Values as a single little-endian u16 (WriteSingle replies).
func (td *TranslatedData) Value() uint16 {
	if len(td.Values) < 2 {
		return 0
	}
	return uint16(td.Values[0]) | uint16(td.Values[1])<<8
}

// RegisterValue is a single decoded (register, value) pair.
type RegisterValue struct {
	Register uint16
	Value    uint16
}
