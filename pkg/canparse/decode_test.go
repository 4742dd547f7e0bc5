package canparse

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmill/canlog/pkg/canspec"
)

func rawSignal(start, length uint, order canspec.ByteOrder) *canspec.SignalDef {
	return &canspec.SignalDef{Name: "raw", Start: start, Length: length, Order: order, Scale: 1}
}

func TestExtractRaw_BitNumbering(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		start  uint
		length uint
		order  canspec.ByteOrder
		want   uint64
	}{
		{"LE full byte 0", []byte{0x01, 0x02}, 0, 8, canspec.LittleEndian, 0x01},
		{"LE 16-bit word", []byte{0xE8, 0x03}, 0, 16, canspec.LittleEndian, 1000},
		{"LE low nibble", []byte{0xAB}, 0, 4, canspec.LittleEndian, 0xB},
		{"LE straddling bytes", []byte{0xAB, 0xCD}, 4, 8, canspec.LittleEndian, 0xDA},
		{"LE single bit", []byte{0x80}, 7, 1, canspec.LittleEndian, 1},
		{"BE full byte 0", []byte{0x01, 0x02}, 0, 8, canspec.BigEndian, 0x01},
		{"BE 16-bit word", []byte{0x12, 0x34}, 0, 16, canspec.BigEndian, 0x1234},
		{"BE high nibble", []byte{0xAB}, 0, 4, canspec.BigEndian, 0xA},
		{"BE straddling bytes", []byte{0xAB, 0xCD}, 4, 8, canspec.BigEndian, 0xBC},
		{"BE single bit", []byte{0x80}, 0, 1, canspec.BigEndian, 1},
		{"full 64-bit", []byte{0, 0, 0, 0, 0, 0, 0, 0x80}, 0, 64, canspec.LittleEndian, 1 << 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, fail := extractRaw(rawSignal(tt.start, tt.length, tt.order), tt.data)
			require.Nil(t, fail)
			assert.Equal(t, tt.want, raw)
		})
	}
}

// Extraction of every bit range recovers exactly the bits that a direct
// reference implementation reads, independent of scale and offset.
func TestExtractRaw_RoundTrip(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x23, 0x45, 0x67}

	// LSB-of-byte-0 reference for the little-endian numbering.
	bitLE := func(pos uint) uint64 {
		return uint64(data[pos/8]>>(pos%8)) & 1
	}
	// MSB-of-byte-0 reference for the big-endian numbering.
	bitBE := func(pos uint) uint64 {
		return uint64(data[pos/8]>>(7-pos%8)) & 1
	}

	for start := uint(0); start < 64; start += 3 {
		for length := uint(1); start+length <= 64; length += 5 {
			var wantLE, wantBE uint64
			for i := uint(0); i < length; i++ {
				wantLE |= bitLE(start+i) << i                 // first bit is the LSB
				wantBE = wantBE<<1 | bitBE(start+i)           // first bit is the MSB
			}

			raw, fail := extractRaw(rawSignal(start, length, canspec.LittleEndian), data)
			require.Nil(t, fail)
			assert.Equal(t, wantLE, raw, "LE start=%d length=%d", start, length)

			raw, fail = extractRaw(rawSignal(start, length, canspec.BigEndian), data)
			require.Nil(t, fail)
			assert.Equal(t, wantBE, raw, "BE start=%d length=%d", start, length)
		}
	}
}

func TestExtractRaw_RangePastPayload(t *testing.T) {
	_, fail := extractRaw(rawSignal(60, 16, canspec.LittleEndian), make([]byte, 8))
	require.NotNil(t, fail)
	assert.Equal(t, IssueBitRange, fail.Kind)
	assert.Equal(t, "raw", fail.Signal)
}

func TestDecodeSignal_Kinds(t *testing.T) {
	t.Run("signed sign extension", func(t *testing.T) {
		sig := &canspec.SignalDef{Name: "s", Length: 8, Kind: canspec.Signed, Scale: 1}
		v, fail := decodeSignal(sig, []byte{0xFF})
		require.Nil(t, fail)
		assert.Equal(t, -1.0, v)
	})

	t.Run("scale and offset", func(t *testing.T) {
		sig := &canspec.SignalDef{Name: "t", Length: 8, Kind: canspec.Signed, Scale: 0.5, Offset: -40}
		v, fail := decodeSignal(sig, []byte{100})
		require.Nil(t, fail)
		assert.Equal(t, 10.0, v)
	})

	t.Run("float32 little-endian", func(t *testing.T) {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(3.5))
		sig := &canspec.SignalDef{Name: "f", Length: 32, Kind: canspec.Float, Scale: 1}
		v, fail := decodeSignal(sig, data)
		require.Nil(t, fail)
		assert.Equal(t, 3.5, v)
	})

	t.Run("float64 big-endian", func(t *testing.T) {
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, math.Float64bits(-2.25))
		sig := &canspec.SignalDef{Name: "f", Length: 64, Kind: canspec.Float, Order: canspec.BigEndian, Scale: 1}
		v, fail := decodeSignal(sig, data)
		require.Nil(t, fail)
		assert.Equal(t, -2.25, v)
	})

	t.Run("enumeration label", func(t *testing.T) {
		sig := &canspec.SignalDef{
			Name: "e", Length: 8, Kind: canspec.Enumerated, Scale: 1,
			Enum: map[uint64]string{2: "running"},
		}
		v, fail := decodeSignal(sig, []byte{2})
		require.Nil(t, fail)
		assert.Equal(t, "running", v)
	})

	t.Run("enumeration miss keeps numeric value", func(t *testing.T) {
		sig := &canspec.SignalDef{
			Name: "e", Length: 8, Kind: canspec.Enumerated, Scale: 2,
			Enum: map[uint64]string{2: "running"},
		}
		v, fail := decodeSignal(sig, []byte{5})
		require.Nil(t, fail)
		assert.Equal(t, 10.0, v)
	})
}

func testFiltered(t *testing.T, annexes map[string][]string) *canspec.Filtered {
	t.Helper()
	spec, err := canspec.Load(annexes)
	require.NoError(t, err)
	return canspec.Filter(spec, canspec.NewFlags())
}

func TestDecodeFrame_UnknownIdentifier(t *testing.T) {
	filtered := testFiltered(t, map[string][]string{canspec.TagCAN: {`
protocol: can
messages:
  - {id: 0x123, name: Status, length: 8, signals: [{name: A, start: 0, length: 8}]}
`}})

	frame := &Frame{Timestamp: 1.5, ID: SplitCANID(0x999), Data: []byte{1}, Hex: "01"}
	msg, failures := decodeFrame(frame, filtered)
	require.Len(t, failures, 1)
	assert.Equal(t, IssueUnknownID, failures[0].Kind)
	assert.False(t, msg.Matched())
	assert.Empty(t, msg.Signals)
	assert.Equal(t, uint32(0x999), msg.ID)
	assert.Equal(t, "01", msg.Data)
}

func TestDecodeFrame_BitRangeDegradesFieldOnly(t *testing.T) {
	filtered := testFiltered(t, map[string][]string{canspec.TagCAN: {`
protocol: can
messages:
  - id: 0x123
    name: Status
    length: 10
    signals:
      - {name: Low, start: 0, length: 8}
      - {name: High, start: 60, length: 16}
`}})

	// Declared 10 bytes, received 8: High overflows the actual payload.
	frame := &Frame{ID: SplitCANID(0x123), Data: []byte{7, 0, 0, 0, 0, 0, 0, 0}, Hex: "0700000000000000"}
	msg, failures := decodeFrame(frame, filtered)
	require.Len(t, failures, 1)
	assert.Equal(t, IssueBitRange, failures[0].Kind)
	assert.Equal(t, "High", failures[0].Signal)

	assert.True(t, msg.Matched())
	assert.Equal(t, 7.0, msg.Signals["Low"])
	_, present := msg.Signals["High"]
	assert.False(t, present)
}

func TestDecodeFrame_MultiplexedSignals(t *testing.T) {
	filtered := testFiltered(t, map[string][]string{canspec.TagCAN: {`
protocol: can
messages:
  - id: 0x200
    name: Muxed
    length: 8
    signals:
      - {name: Page, start: 0, length: 8}
      - {name: TempA, start: 8, length: 8, mux: {selector: Page, value: 0}}
      - {name: TempB, start: 8, length: 8, mux: {selector: Page, value: 1}}
`}})

	frame := &Frame{ID: SplitCANID(0x200), Data: []byte{1, 55}, Hex: "0137"}
	msg, failures := decodeFrame(frame, filtered)
	require.Empty(t, failures)
	assert.Equal(t, 1.0, msg.Signals["Page"])
	assert.Equal(t, 55.0, msg.Signals["TempB"])
	_, present := msg.Signals["TempA"]
	assert.False(t, present, "selector gates TempA off")
}

func TestDecodeFrame_CrossProtocolMergeFirstMatchWins(t *testing.T) {
	filtered := testFiltered(t, map[string][]string{
		canspec.TagCAN: {`
protocol: can
messages:
  - id: 0x123
    name: Status
    length: 8
    signals:
      - {name: Shared, start: 0, length: 8}
      - {name: OnlyCAN, start: 8, length: 8}
`},
		canspec.TagUDS: {`
protocol: uds
messages:
  - id: 0x123
    name: Diag
    length: 8
    signals:
      - {name: Shared, start: 0, length: 8, scale: 100}
      - {name: OnlyUDS, start: 16, length: 8}
`},
	})

	frame := &Frame{ID: SplitCANID(0x123), Data: []byte{2, 3, 4}, Hex: "020304"}
	msg, failures := decodeFrame(frame, filtered)
	require.Empty(t, failures)
	assert.Equal(t, "Status", msg.Name, "first matched definition names the record")
	assert.Equal(t, 2.0, msg.Signals["Shared"], "can precedes uds in tag order")
	assert.Equal(t, 3.0, msg.Signals["OnlyCAN"])
	assert.Equal(t, 4.0, msg.Signals["OnlyUDS"])
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int64(-1), signExtend(0xFF, 8))
	assert.Equal(t, int64(127), signExtend(0x7F, 8))
	assert.Equal(t, int64(-2), signExtend(0b1110, 4))
	assert.Equal(t, int64(-1), signExtend(^uint64(0), 64))
}
