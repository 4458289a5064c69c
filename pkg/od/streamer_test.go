package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func createTestOD(t *testing.T) *ObjectDictionary {
	t.Helper()
	od := NewObjectDictionary(nil)
	_, err := od.AddVariableType(0x3018, "test variable", UNSIGNED32, AttributeSdoRw, "0x0")
	assert.Nil(t, err)

	record := NewRecord()
	_, err = record.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x2")
	assert.Nil(t, err)
	_, err = record.AddSubObject(1, "first", UNSIGNED32, AttributeSdoRw, "0x0")
	assert.Nil(t, err)
	od.AddVariableList(0x3030, "test record", record)
	return od
}

func TestStreamer(t *testing.T) {
	od := createTestOD(t)
	entry := od.Index(0x3018)
	assert.NotNil(t, entry)
	// Test access to subindex > 0 for a VAR object
	_, err := NewStreamer(entry, 1, true)
	assert.Equal(t, ErrSubNotExist, err)
	// Test that subindex 0 returns nil error
	_, err = NewStreamer(entry, 0, true)
	assert.Nil(t, err)
	// Test access to subindex 0 of a RECORD
	entry = od.Index(0x3030)
	_, err = NewStreamer(entry, 0, true)
	assert.Nil(t, err)
	// Test access to out of range subindex
	_, err = NewStreamer(entry, 10, true)
	assert.Equal(t, ErrSubNotExist, err)
}

func TestStreamerReadWriteRoundTrip(t *testing.T) {
	od := createTestOD(t)
	entry := od.Index(0x3018)
	assert.NotNil(t, entry)

	err := entry.PutUint32(0, 0xDEADBEEF, true)
	assert.Nil(t, err)

	value, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xDEADBEEF, value)
}

// A download outside [lowLimit, highLimit] is clamped to the nearest bound
// rather than rejected with ErrValueHigh/ErrValueLow.
func TestWriteEntryDefaultClampsOutOfRangeDownload(t *testing.T) {
	od := createTestOD(t)
	entry := od.Index(0x3018)
	assert.NotNil(t, entry)

	variable, err := entry.SubIndex(0)
	assert.Nil(t, err)
	low, _ := EncodeFromString("10", UNSIGNED32, 0)
	high, _ := EncodeFromString("100", UNSIGNED32, 0)
	variable.SetLimits(low, high)

	assert.Nil(t, entry.PutUint32(0, 5, true))
	value, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 10, value)

	assert.Nil(t, entry.PutUint32(0, 500, true))
	value, err = entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 100, value)

	assert.Nil(t, entry.PutUint32(0, 42, true))
	value, err = entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 42, value)
}
