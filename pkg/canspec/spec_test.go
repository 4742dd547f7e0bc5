package canspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage_RangeExceedsWidth(t *testing.T) {
	def := &MessageDef{
		ID: 0x123, Name: "Status", Length: 8,
		Signals: []SignalDef{
			{Name: "Counter", Start: 60, Length: 8, Scale: 1},
		},
	}
	err := validateMessage("test", def)
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "Counter", loadErr.Entry)
}

func TestValidateMessage_OverlapRejected(t *testing.T) {
	def := &MessageDef{
		ID: 0x123, Name: "Status", Length: 8,
		Signals: []SignalDef{
			{Name: "A", Start: 0, Length: 12, Scale: 1},
			{Name: "B", Start: 8, Length: 8, Scale: 1},
		},
	}
	err := validateMessage("test", def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}

func TestValidateMessage_MultiplexedSignalsMayShareRange(t *testing.T) {
	def := &MessageDef{
		ID: 0x200, Name: "Muxed", Length: 8,
		Signals: []SignalDef{
			{Name: "Mode", Start: 0, Length: 8, Scale: 1},
			{Name: "Temp", Start: 8, Length: 16, Scale: 1, Mux: &MuxGuard{Selector: "Mode", Value: 0}},
			{Name: "Pressure", Start: 8, Length: 16, Scale: 1, Mux: &MuxGuard{Selector: "Mode", Value: 1}},
		},
	}
	require.NoError(t, validateMessage("test", def))
}

func TestValidateMessage_UnknownSelector(t *testing.T) {
	def := &MessageDef{
		ID: 0x200, Name: "Muxed", Length: 8,
		Signals: []SignalDef{
			{Name: "Temp", Start: 8, Length: 16, Scale: 1, Mux: &MuxGuard{Selector: "Mode", Value: 0}},
		},
	}
	err := validateMessage("test", def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector")
}

func TestValidateMessage_BigEndianWidthCheck(t *testing.T) {
	// Big-endian bit 0 is the MSB of byte 0; a 16-bit signal starting at
	// bit 48 of an 8-byte payload fits exactly.
	def := &MessageDef{
		ID: 0x300, Name: "BE", Length: 8,
		Signals: []SignalDef{
			{Name: "Tail", Start: 48, Length: 16, Order: BigEndian, Scale: 1},
		},
	}
	require.NoError(t, validateMessage("test", def))

	def.Signals[0].Start = 56
	require.Error(t, validateMessage("test", def))
}

func TestValidateMessage_FloatLength(t *testing.T) {
	def := &MessageDef{
		ID: 0x301, Name: "F", Length: 8,
		Signals: []SignalDef{
			{Name: "Volt", Start: 0, Length: 24, Kind: Float, Scale: 1},
		},
	}
	require.Error(t, validateMessage("test", def))
}

func TestSpecificationMerge_AnnexesExtend(t *testing.T) {
	spec := NewSpecification()
	base := &ProtocolSpec{Tag: TagCAN, Messages: []*MessageDef{{ID: 0x100, Name: "A", Length: 8}}}
	annex := &ProtocolSpec{Tag: TagCAN, Messages: []*MessageDef{{ID: 0x200, Name: "B", Length: 8}}}
	require.NoError(t, spec.merge(base))
	require.NoError(t, spec.merge(annex))

	proto := spec.Protocol(TagCAN)
	require.NotNil(t, proto)
	assert.Len(t, proto.Messages, 2)
	assert.Len(t, proto.Lookup(0x200), 1)
}

func TestSpecificationMerge_DuplicateIdentifierFails(t *testing.T) {
	spec := NewSpecification()
	base := &ProtocolSpec{Tag: TagCAN, Messages: []*MessageDef{{ID: 0x100, Name: "A", Length: 8}}}
	annex := &ProtocolSpec{Tag: TagCAN, Messages: []*MessageDef{{ID: 0x100, Name: "APrime", Length: 8}}}
	require.NoError(t, spec.merge(base))

	err := spec.merge(annex)
	require.Error(t, err)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestProtocolSpecLookup_Masked(t *testing.T) {
	proto := &ProtocolSpec{
		Tag: TagUDS,
		Messages: []*MessageDef{
			{ID: 0x700, Mask: 0x7F0, Name: "DiagRequest", Length: 8},
			{ID: 0x123, Name: "Exact", Length: 8},
		},
	}
	proto.index()

	assert.Len(t, proto.Lookup(0x123), 1)
	assert.Len(t, proto.Lookup(0x705), 1, "0x705 & 0x7F0 == 0x700")
	assert.Empty(t, proto.Lookup(0x7A5), "0x7A5 & 0x7F0 == 0x7A0")
	assert.Empty(t, proto.Lookup(0x456))
}

func TestPGNFromID(t *testing.T) {
	// EEC1: 0x0CF00400 -> PGN 0xF004 (PDU2, destination-independent).
	assert.Equal(t, uint32(0xF004), PGNFromID(0x0CF00400))
	// PDU1 format zeroes the destination byte: 0x18EA00F9 -> PGN 0xEA00.
	assert.Equal(t, uint32(0xEA00), PGNFromID(0x18EAFFF9))
}
