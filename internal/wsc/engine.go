package wsc

import "net"

// MsgType is the WSC Message Type attribute value.
type MsgType uint8

const (
	MsgBeacon       MsgType = 0x01
	MsgProbeRequest MsgType = 0x02
	MsgM1           MsgType = 0x04
	MsgM2           MsgType = 0x05
	MsgM2D          MsgType = 0x06
	MsgM3           MsgType = 0x07
	MsgM4           MsgType = 0x08
	MsgM5           MsgType = 0x09
	MsgM6           MsgType = 0x0A
	MsgM7           MsgType = 0x0B
	MsgM8           MsgType = 0x0C
	MsgACK          MsgType = 0x0D
	MsgNACK         MsgType = 0x0E
	MsgDone         MsgType = 0x0F
)

// OpCode is the EAP-WSC operation code framing a message.
type OpCode uint8

const (
	OpStart   OpCode = 0x01
	OpACK     OpCode = 0x02
	OpNACK    OpCode = 0x03
	OpMsg     OpCode = 0x04
	OpDone    OpCode = 0x05
	OpFragACK OpCode = 0x06
)

// OpCodeForMsg maps a message type to the op code used when feeding it
// into the engine. Ordinary messages (and an absent message type) use OpMsg.
func OpCodeForMsg(t *MsgType) OpCode {
	if t == nil {
		return OpMsg
	}
	switch *t {
	case MsgACK:
		return OpACK
	case MsgNACK:
		return OpNACK
	case MsgDone:
		return OpDone
	default:
		return OpMsg
	}
}

// Result is the outcome of feeding a message into the engine.
type Result int

const (
	ResultContinue Result = iota
	ResultDone
	ResultFailure
)

// Engine is one in-progress WPS registration exchange. The registrar
// core drives it with the enrollee's messages and ships back whatever
// it produces; the cryptographic protocol itself lives behind this
// interface.
type Engine interface {
	// ProcessMsg feeds one received WSC message into the exchange.
	ProcessMsg(op OpCode, msg []byte) Result

	// GetMsg returns the next message to transmit and its op code,
	// or nil if there is nothing to send.
	GetMsg() ([]byte, OpCode)

	// Deinit releases the exchange's state.
	Deinit()
}

// EngineConfig parameterizes a new exchange.
type EngineConfig struct {
	// Registrar is true when the local end plays the Registrar role.
	Registrar bool

	// PeerAddr is the enrollee's MAC address.
	PeerAddr net.HardwareAddr
}

// EngineFactory creates an Engine for a new enrollee exchange. A nil
// factory puts the registrar in observe-only mode: stations are tracked
// but no registration protocol is run.
type EngineFactory func(EngineConfig) (Engine, error)
