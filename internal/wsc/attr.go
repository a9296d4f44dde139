// Package wsc implements the Wi-Fi Simple Config TLV attribute framing
// used inside WLANEvent payloads and SOAP NewMessage elements, and the
// interface to a pluggable registrar protocol engine.
package wsc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AttrType is a WSC attribute identifier.
type AttrType uint16

// Attribute identifiers (Wi-Fi Simple Config spec, section 11).
const (
	AttrConfigMethods       AttrType = 0x1008
	AttrDeviceName          AttrType = 0x1011
	AttrDevicePasswordID    AttrType = 0x1012
	AttrManufacturer        AttrType = 0x1021
	AttrMessageType         AttrType = 0x1022
	AttrModelName           AttrType = 0x1023
	AttrModelNumber         AttrType = 0x1024
	AttrSelectedRegistrar   AttrType = 0x1041
	AttrSerialNumber        AttrType = 0x1042
	AttrUUIDE               AttrType = 0x1047
	AttrVersion             AttrType = 0x104A
	AttrSelRegConfigMethods AttrType = 0x1053
	AttrPrimaryDeviceType   AttrType = 0x1054
)

// Version10 is the WSC version attribute value for protocol version 1.0.
const Version10 uint8 = 0x10

// PrimaryDeviceTypeLen is the fixed length of the primary device type attribute.
const PrimaryDeviceTypeLen = 8

// Attributes holds the parsed subset of WSC attributes the registrar
// cares about. Nil pointer / nil slice means the attribute was absent.
type Attributes struct {
	Version             *uint8
	MsgType             *MsgType
	ConfigMethods       *uint16
	DevicePasswordID    *uint16
	SelectedRegistrar   *bool
	SelRegConfigMethods *uint16
	UUIDE               *uuid.UUID
	PrimaryDeviceType   []byte

	Manufacturer []byte
	ModelName    []byte
	ModelNumber  []byte
	SerialNumber []byte
	DeviceName   []byte
}

// ParseAttributes walks a WSC TLV stream. Unknown attributes are skipped;
// known attributes with an invalid length make the whole message invalid.
func ParseAttributes(buf []byte) (*Attributes, error) {
	attrs := &Attributes{}
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < 4 {
			return nil, fmt.Errorf("wsc: truncated attribute header at offset %d", pos)
		}
		typ := AttrType(binary.BigEndian.Uint16(buf[pos:]))
		length := int(binary.BigEndian.Uint16(buf[pos+2:]))
		pos += 4
		if len(buf)-pos < length {
			return nil, fmt.Errorf("wsc: attribute 0x%04x length %d overruns buffer", uint16(typ), length)
		}
		if err := attrs.set(typ, buf[pos:pos+length]); err != nil {
			return nil, err
		}
		pos += length
	}
	return attrs, nil
}

func (a *Attributes) set(typ AttrType, val []byte) error {
	switch typ {
	case AttrVersion:
		if len(val) != 1 {
			return lenErr(typ, val, 1)
		}
		v := val[0]
		a.Version = &v
	case AttrMessageType:
		if len(val) != 1 {
			return lenErr(typ, val, 1)
		}
		m := MsgType(val[0])
		a.MsgType = &m
	case AttrConfigMethods:
		if len(val) != 2 {
			return lenErr(typ, val, 2)
		}
		v := binary.BigEndian.Uint16(val)
		a.ConfigMethods = &v
	case AttrDevicePasswordID:
		if len(val) != 2 {
			return lenErr(typ, val, 2)
		}
		v := binary.BigEndian.Uint16(val)
		a.DevicePasswordID = &v
	case AttrSelectedRegistrar:
		if len(val) != 1 {
			return lenErr(typ, val, 1)
		}
		v := val[0] != 0
		a.SelectedRegistrar = &v
	case AttrSelRegConfigMethods:
		if len(val) != 2 {
			return lenErr(typ, val, 2)
		}
		v := binary.BigEndian.Uint16(val)
		a.SelRegConfigMethods = &v
	case AttrUUIDE:
		u, err := uuid.FromBytes(val)
		if err != nil {
			return lenErr(typ, val, 16)
		}
		a.UUIDE = &u
	case AttrPrimaryDeviceType:
		if len(val) != PrimaryDeviceTypeLen {
			return lenErr(typ, val, PrimaryDeviceTypeLen)
		}
		a.PrimaryDeviceType = append([]byte(nil), val...)
	case AttrManufacturer:
		a.Manufacturer = append([]byte(nil), val...)
	case AttrModelName:
		a.ModelName = append([]byte(nil), val...)
	case AttrModelNumber:
		a.ModelNumber = append([]byte(nil), val...)
	case AttrSerialNumber:
		a.SerialNumber = append([]byte(nil), val...)
	case AttrDeviceName:
		a.DeviceName = append([]byte(nil), val...)
	}
	return nil
}

func lenErr(typ AttrType, val []byte, want int) error {
	return fmt.Errorf("wsc: attribute 0x%04x has length %d, want %d", uint16(typ), len(val), want)
}
