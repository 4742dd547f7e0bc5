package canspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTabular_GroupsRowsIntoMessages(t *testing.T) {
	doc := `message_id,message_name,message_length,signal,start,length,order,kind,scale,offset,unit
0x123,EngineStatus,8,EngineSpeed,0,16,little,unsigned,0.125,0,rpm
0x123,EngineStatus,8,CoolantTemp,16,8,little,signed,1,-40,degC
0x456,Odometer,4,Distance,0,32,little,unsigned,0.1,0,km
`
	proto, err := LoadSource(TagCAN, doc)
	require.NoError(t, err)
	require.Len(t, proto.Messages, 2)

	engine := proto.Messages[0]
	assert.Equal(t, uint32(0x123), engine.ID)
	require.Len(t, engine.Signals, 2)
	assert.Equal(t, "EngineSpeed", engine.Signals[0].Name)
	assert.Equal(t, 0.125, engine.Signals[0].Scale)
	assert.Equal(t, Signed, engine.Signals[1].Kind)
	assert.Equal(t, -40.0, engine.Signals[1].Offset)

	odo := proto.Messages[1]
	assert.Equal(t, uint(4), odo.Length)
	assert.Equal(t, uint(32), odo.Signals[0].Length)
}

func TestLoadTabular_DefaultsAndMux(t *testing.T) {
	doc := `message_id,message_name,signal,start,length,mux_selector,mux_value
512,Muxed,Page,0,8,,
512,Muxed,TempA,8,8,Page,0
512,Muxed,TempB,8,8,Page,1
`
	proto, err := LoadSource(TagCAN, doc)
	require.NoError(t, err)
	require.Len(t, proto.Messages, 1)

	def := proto.Messages[0]
	assert.Equal(t, uint(8), def.Length, "message_length defaults to 8")
	require.Len(t, def.Signals, 3)
	assert.Nil(t, def.Signals[0].Mux)
	require.NotNil(t, def.Signals[2].Mux)
	assert.Equal(t, "Page", def.Signals[2].Mux.Selector)
	assert.Equal(t, uint64(1), def.Signals[2].Mux.Value)
	assert.Equal(t, 1.0, def.Signals[0].Scale)
}

func TestLoadTabular_MissingRequiredCell(t *testing.T) {
	doc := `message_id,message_name,signal,start,length
0x123,EngineStatus,EngineSpeed,,16
`
	_, err := LoadSource(TagCAN, doc)
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "row 2", loadErr.Entry)
	assert.Contains(t, loadErr.Reason, "missing required field start")
}

func TestLoadTabular_MissingRequiredColumn(t *testing.T) {
	doc := "message_id,signal,start,length\n0x1,A,0,8\n"
	_, err := LoadSource(TagCAN, doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required column message_name")
}

func TestLoadTabular_J1939UsesPGNKeying(t *testing.T) {
	doc := `message_id,message_name,signal,start,length
0xF004,EEC1,EngineSpeed,24,16
`
	proto, err := LoadSource(TagJ1939, doc)
	require.NoError(t, err)
	assert.Equal(t, KeyPGN, proto.Keying)
}
