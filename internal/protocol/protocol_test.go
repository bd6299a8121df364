package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientCommand(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		want    ClientCommand
		start   bool
		record  bool
	}{
		{"start_chat", `{"event":"StartChat"}`, ClientCommand{Event: EventStartChat}, true, false},
		{"start_record", `{"event":"StartRecord"}`, ClientCommand{Event: EventStartRecord}, true, true},
		{"submit", `{"event":"Submit"}`, ClientCommand{Event: EventSubmit}, false, false},
		{"text", `{"event":"Text","input":"Hello"}`, ClientCommand{Event: EventText, Input: "Hello"}, false, false},
		{"end_session", `{"event":"EndSession"}`, ClientCommand{Event: EventEndSession}, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ParseClientCommand([]byte(tc.json))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cmd)
			assert.Equal(t, tc.start, cmd.IsSessionStart())
			assert.Equal(t, tc.record, cmd.IsRecordMode())
			assert.True(t, cmd.Known())
		})
	}
}

func TestParseClientCommand_Malformed(t *testing.T) {
	_, err := ParseClientCommand([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseClientCommand([]byte(`{}`))
	assert.Error(t, err)
}

func TestParseClientCommand_UnknownEventIsNotAnError(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"event":"FutureThing"}`))
	require.NoError(t, err)
	assert.False(t, cmd.Known())
}

// TestServerEventRoundTrip is property P1: every server-event variant
// MessagePack-encodes and decodes back to the original value.
func TestServerEventRoundTrip(t *testing.T) {
	events := []ServerEvent{
		NewHelloStart(),
		NewHelloChunk([]byte{1, 2, 3}),
		NewHelloEnd(),
		NewBGStart(),
		NewBGChunk([]byte{4, 5}),
		NewBGEnd(),
		NewASR("你好世界"),
		NewAction("look_up"),
		NewStartAudio("正在回答"),
		NewAudioChunk([]byte{1, 2, 3, 4, 5}),
		NewEndAudio(),
		NewStartVideo(),
		NewEndVideo(),
		NewEndResponse(),
	}

	for _, e := range events {
		t.Run(e.Type, func(t *testing.T) {
			encoded, err := EncodeServerEvent(e)
			require.NoError(t, err)
			require.NotEmpty(t, encoded)

			decoded, err := DecodeServerEvent(encoded)
			require.NoError(t, err)
			assert.Equal(t, e, decoded)
		})
	}
}

func TestServerEvent_IsAudioEvent(t *testing.T) {
	assert.True(t, NewStartAudio("x").IsAudioEvent())
	assert.True(t, NewAudioChunk(nil).IsAudioEvent())
	assert.True(t, NewEndAudio().IsAudioEvent())
	assert.False(t, NewASR("x").IsAudioEvent())
}

func TestServerEvent_IsControlEvent(t *testing.T) {
	assert.True(t, NewHelloStart().IsControlEvent())
	assert.True(t, NewEndResponse().IsControlEvent())
	assert.False(t, NewASR("x").IsControlEvent())
}

func TestEncodeErrorAck(t *testing.T) {
	b, err := EncodeErrorAck(EventText, "text input is not supported in record mode")
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, json.Unmarshal(b, &ack))
	assert.Equal(t, EventText, ack.Event)
	assert.False(t, ack.OK)
	assert.Equal(t, "text input is not supported in record mode", ack.Message)
}

func TestValidateAudioFrame(t *testing.T) {
	samples, odd := ValidateAudioFrame(make([]byte, 640))
	assert.Equal(t, 320, samples)
	assert.False(t, odd)

	_, odd = ValidateAudioFrame(make([]byte, 641))
	assert.True(t, odd)
}
