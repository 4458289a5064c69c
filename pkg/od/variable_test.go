package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFromString(t *testing.T) {
	data, err := EncodeFromString("0x10", UNSIGNED8, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, []byte{0x10}, data)

	data, _ = EncodeFromString("0x10", UNSIGNED16, 0)
	assert.EqualValues(t, []byte{0x10, 0x00}, data)

	data, _ = EncodeFromString("0x10", UNSIGNED32, 0)
	assert.EqualValues(t, []byte{0x10, 0x00, 0x00, 0x00}, data)

	data, _ = EncodeFromString("0x20", INTEGER8, 0)
	assert.EqualValues(t, []byte{0x20}, data)

	data, _ = EncodeFromString("0x20", INTEGER16, 0)
	assert.EqualValues(t, []byte{0x20, 0x00}, data)

	data, _ = EncodeFromString("0x20", INTEGER32, 0)
	assert.EqualValues(t, []byte{0x20, 0x00, 0x00, 0x00}, data)

	data, _ = EncodeFromString("0x1", BOOLEAN, 0)
	assert.EqualValues(t, []byte{0x1}, data)

	_, err = EncodeFromString("90000", UNSIGNED8, 0)
	assert.NotNil(t, err)
}

func TestEncodeFromStringNodeIdOffset(t *testing.T) {
	data, err := EncodeFromString("0x10", UNSIGNED8, 5)
	assert.Nil(t, err)
	assert.EqualValues(t, []byte{0x15}, data)
}

func TestCheckSize(t *testing.T) {
	assert.Nil(t, CheckSize(1, UNSIGNED8))
	assert.Equal(t, ErrDataShort, CheckSize(0, UNSIGNED8))
	assert.Equal(t, ErrDataLong, CheckSize(2, UNSIGNED8))
	assert.Nil(t, CheckSize(4, REAL32))
	// Variable length types are never size-checked.
	assert.Nil(t, CheckSize(123, VISIBLE_STRING))
}

func TestDecodeToType(t *testing.T) {
	v, err := DecodeToType([]byte{0x2A}, UNSIGNED8)
	assert.Nil(t, err)
	assert.EqualValues(t, uint64(42), v)

	v, err = DecodeToType([]byte{0xFF}, INTEGER8)
	assert.Nil(t, err)
	assert.EqualValues(t, int64(-1), v)
}

func TestEncodeDecodeAttribute(t *testing.T) {
	attr := EncodeAttribute("rw", true, UNSIGNED8)
	assert.Equal(t, "rw", DecodeAttribute(attr))
	assert.True(t, attr&AttributeTrpdo != 0)

	attr = EncodeAttribute("ro", false, VISIBLE_STRING)
	assert.Equal(t, "ro", DecodeAttribute(attr))
	assert.True(t, attr&AttributeStr != 0)
}
