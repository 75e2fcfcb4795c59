package eda

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseRegisterFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"register","msg":{"client":"c-17"}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameRegister, frame.Kind)
	assert.Equal(t, "c-17", frame.ClientId)
}

func TestParseRegisterFrameNumericClient(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"register","msg":{"client":17}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, "17", frame.ClientId)
}

func TestParseUpdateFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"stream":"alarms","msg":{"updates":[
		{"key":"alarm{.name==\"a1\"}","data":{"severity":"major"}},
		{"key":"alarm{.name==\"a2\"}","data":null}
	]}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameUpdate, frame.Kind)
	assert.Equal(t, "alarms", frame.Stream)
	assert.Equal(t, 2, len(frame.Updates))
	assert.Equal(t, false, frame.Updates[0].IsDelete())
	assert.Equal(t, true, frame.Updates[1].IsDelete())
}

func TestParseUpdateFrameResultsField(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"msg":{"Results":[{"data":{"x":1}}]}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameUpdate, frame.Kind)
	assert.Equal(t, 1, len(frame.Updates))
}

func TestParseTabularFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"stream":"eql-1","msg":{"op":[
		{"insert_or_modify":{"rows":[{"a":1},{"a":2}]},"delete":{"ids":[3]}}
	]}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameTabular, frame.Kind)
	assert.Equal(t, 1, len(frame.Ops))
	assert.Equal(t, 2, len(frame.Ops[0].Rows))
	assert.Equal(t, 1, len(frame.Ops[0].DeleteIds))
}

func TestParseTabularFrameCapitalizedFields(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"msg":{"Op":[{"insert_or_modify":{"Rows":[{"a":1}]}}]}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameTabular, frame.Kind)
	assert.Equal(t, 1, len(frame.Ops[0].Rows))
}

func TestParseUnknownFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"pong","msg":{}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, FrameUnknown, frame.Kind)
}

func TestParseMalformedFrame(t *testing.T) {
	_, err := ParseFrame([]byte(`{"msg":`))
	assert.NotEqual(t, nil, err)
}
