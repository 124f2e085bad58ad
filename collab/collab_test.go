package collab

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdCodec(t *testing.T) {
	id := NewId()
	idStr := id.String()
	assert.Equal(t, len(idStr), 36)

	parsed, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	var decoded Id
	err = json.Unmarshal(idJson, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, id)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)
}

func TestIdOrder(t *testing.T) {
	// ulids from the same source are ordered by create time
	a := NewId()
	b := NewId()
	assert.Equal(t, a.LessThan(b), true)
	assert.Equal(t, b.LessThan(a), false)
	assert.Equal(t, a.LessThan(a), false)
}
