package wsc

import (
	"bytes"
	"encoding/binary"
)

func putAttr(b *bytes.Buffer, typ AttrType, val []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(typ))
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(val)))
	b.Write(hdr[:])
	b.Write(val)
}

func putAttrU8(b *bytes.Buffer, typ AttrType, v uint8) {
	putAttr(b, typ, []byte{v})
}

func putAttrU16(b *bytes.Buffer, typ AttrType, v uint16) {
	var val [2]byte
	binary.BigEndian.PutUint16(val[:], v)
	putAttr(b, typ, val[:])
}

// BuildSelectedRegistrar builds the TLV message carried by the
// SetSelectedRegistrar UPnP action: version plus the selected-registrar,
// device-password-id and selected-registrar-config-methods attributes.
func BuildSelectedRegistrar(selReg bool, devPasswdID, configMethods uint16) []byte {
	var b bytes.Buffer
	putAttrU8(&b, AttrVersion, Version10)
	sel := uint8(0)
	if selReg {
		sel = 1
	}
	putAttrU8(&b, AttrSelectedRegistrar, sel)
	putAttrU16(&b, AttrDevicePasswordID, devPasswdID)
	putAttrU16(&b, AttrSelRegConfigMethods, configMethods)
	return b.Bytes()
}
