package ledger

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// codecName is the gRPC content-subtype of the gateway protocol.
const codecName = "txrelay-wire"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// WireStatus is the ledger's status enum as it travels on the wire.
type WireStatus int32

const (
	StatusStatelessFailed           WireStatus = 0
	StatusStatelessSuccess          WireStatus = 1
	StatusStatefulFailed            WireStatus = 2
	StatusStatefulSuccess           WireStatus = 3
	StatusRejected                  WireStatus = 4
	StatusCommitted                 WireStatus = 5
	StatusMstExpired                WireStatus = 6
	StatusNotReceived               WireStatus = 7
	StatusMstPending                WireStatus = 8
	StatusEnoughSignaturesCollected WireStatus = 9
)

var wireStatusNames = map[WireStatus]string{
	StatusStatelessFailed:           "STATELESS_VALIDATION_FAILED",
	StatusStatelessSuccess:          "STATELESS_VALIDATION_SUCCESS",
	StatusStatefulFailed:            "STATEFUL_VALIDATION_FAILED",
	StatusStatefulSuccess:           "STATEFUL_VALIDATION_SUCCESS",
	StatusRejected:                  "REJECTED",
	StatusCommitted:                 "COMMITTED",
	StatusMstExpired:                "MST_EXPIRED",
	StatusNotReceived:               "NOT_RECEIVED",
	StatusMstPending:                "MST_PENDING",
	StatusEnoughSignaturesCollected: "ENOUGH_SIGNATURES_COLLECTED",
}

func (s WireStatus) String() string {
	if name, ok := wireStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int32(s))
}

// Kind maps a wire status onto the relay's status taxonomy.
func (s WireStatus) Kind() Kind {
	switch s {
	case StatusCommitted:
		return Committed
	case StatusStatelessFailed, StatusStatefulFailed, StatusRejected, StatusMstExpired:
		return Rejected
	case StatusNotReceived:
		return NotReceived
	default:
		return Pending
	}
}

type wireMessage interface {
	marshalWire() ([]byte, error)
	unmarshalWire([]byte) error
}

type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("ledger codec: unsupported message type %T", v)
	}
	return m.marshalWire()
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("ledger codec: unsupported message type %T", v)
	}
	return m.unmarshalWire(data)
}

// rawTransaction forwards envelope bytes without re-encoding them.
type rawTransaction struct {
	raw []byte
}

func (m *rawTransaction) marshalWire() ([]byte, error) { return m.raw, nil }

func (m *rawTransaction) unmarshalWire(b []byte) error {
	m.raw = append([]byte(nil), b...)
	return nil
}

type empty struct{}

func (*empty) marshalWire() ([]byte, error) { return nil, nil }
func (*empty) unmarshalWire([]byte) error   { return nil }

type statusRequest struct {
	txHash []byte
}

func (m *statusRequest) marshalWire() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.txHash), nil
}

func (m *statusRequest) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v []byte, u uint64) {
		if num == 1 {
			m.txHash = append([]byte(nil), v...)
		}
	})
}

type statusResponse struct {
	status         WireStatus
	txHash         string
	errOrCmdName   string
	failedCmdIndex uint64
	errorCode      uint32
	message        string
}

func (m *statusResponse) marshalWire() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.status))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.txHash)
	if m.errOrCmdName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.errOrCmdName)
	}
	if m.failedCmdIndex != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, m.failedCmdIndex)
	}
	if m.errorCode != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.errorCode))
	}
	if m.message != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, m.message)
	}
	return b, nil
}

func (m *statusResponse) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v []byte, u uint64) {
		switch num {
		case 1:
			m.status = WireStatus(int32(u))
		case 2:
			m.txHash = string(v)
		case 3:
			m.errOrCmdName = string(v)
		case 4:
			m.failedCmdIndex = u
		case 5:
			m.errorCode = uint32(u)
		case 6:
			m.message = string(v)
		}
	})
}

type quorumRequest struct {
	accountID string
}

func (m *quorumRequest) marshalWire() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, m.accountID), nil
}

func (m *quorumRequest) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v []byte, u uint64) {
		if num == 1 {
			m.accountID = string(v)
		}
	})
}

type quorumResponse struct {
	quorum uint32
}

func (m *quorumResponse) marshalWire() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.quorum)), nil
}

func (m *quorumResponse) unmarshalWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v []byte, u uint64) {
		if num == 1 {
			m.quorum = uint32(u)
		}
	})
}

// consumeFields decodes varint and length-delimited fields; other wire types
// are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v []byte, u uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, nil, u)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v, 0)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
