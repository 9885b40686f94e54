package models

import (
	"testing"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_SetKeepsOrder(t *testing.T) {
	r := NewRecord().Set("b", 1).Set("a", 2).Set("b", 3)

	assert.Equal(t, []string{"b", "a"}, r.Keys())
	v, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, r.Len())
}

func TestFromMap_SortsKeys(t *testing.T) {
	r := FromMap(map[string]interface{}{"z": 1, "a": "x", "m": true})
	assert.Equal(t, []string{"a", "m", "z"}, r.Keys())
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := NewRecord().Set("a", 1)
	c := r.Clone()
	r.Set("a", 2).Set("b", 3)

	v, _ := c.Get("a")
	assert.Equal(t, 1, v)
	assert.False(t, c.Has("b"))
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  *Record
		wantErr bool
	}{
		{name: "nil", record: nil, wantErr: true},
		{name: "empty name", record: NewRecord().Set("", 1), wantErr: true},
		{name: "scalars", record: NewRecord().Set("s", "x").Set("i", 1).Set("f", 1.5).Set("b", true).Set("raw", []byte("x"))},
		{name: "asset", record: NewRecord().Set("image", AssetPath("/tmp/a.png"))},
		{name: "nested", record: NewRecord().Set("conversations", []Message{{From: "human", Value: "hi"}})},
		{name: "null", record: NewRecord().Set("a", nil)},
		{name: "func", record: NewRecord().Set("f", func() {}), wantErr: true},
		{name: "chan", record: NewRecord().Set("c", make(chan int)), wantErr: true},
		{name: "complex", record: NewRecord().Set("c", complex(1, 2)), wantErr: true},
		{name: "nested func", record: NewRecord().Set("m", map[string]interface{}{"f": func() {}}), wantErr: true},
		{name: "int map keys", record: NewRecord().Set("m", map[int]string{1: "a"}), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidRecord))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewSFTRecord(t *testing.T) {
	r := NewSFTRecord("be brief", []Turn{{Human: "hi", GPT: "hello"}, {Human: "2+2?", GPT: "4"}})

	assert.Equal(t, []string{"conversations", "source"}, r.Keys())
	conv, _ := r.Get("conversations")
	assert.Equal(t, []Message{
		{From: "system", Value: "be brief"},
		{From: "human", Value: "hi"},
		{From: "gpt", Value: "hello"},
		{From: "human", Value: "2+2?"},
		{From: "gpt", Value: "4"},
	}, conv)
	src, _ := r.Get("source")
	assert.Equal(t, SourceManual, src)
}

func TestSFTExample_Validate(t *testing.T) {
	assert.Error(t, SFTExample{System: "s"}.Validate())
	assert.Error(t, SFTExample{Turns: []Turn{{Human: "a", GPT: "b"}}}.Validate())
	assert.Error(t, SFTExample{System: "s", Turns: []Turn{{Human: "a", GPT: " "}}}.Validate())
	assert.NoError(t, SFTExample{System: "s", Turns: []Turn{{Human: "a", GPT: "b"}}}.Validate())
}

func TestDPOExample_Record(t *testing.T) {
	r, err := DPOExample{System: "s", Question: "q", Chosen: "c", Rejected: []string{"r1", "r2"}}.Record()
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "question", "chosen", "rejected", "source"}, r.Keys())
	src, _ := r.Get("source")
	assert.Equal(t, SourceDPO, src)

	_, err = DPOExample{System: "s", Question: "q", Chosen: "c"}.Record()
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidRecord))
}
