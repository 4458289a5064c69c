package node

import "github.com/halvorsen/gocanopen/pkg/od"

// localRead resolves (index, subindex) against the node's own object
// dictionary and reads its current raw value, alongside its CiA 301 data
// type, without going through any SDO connection.
func (node *BaseNode) localRead(index any, subindex any) ([]byte, uint8, error) {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, 0, err
	}
	data := make([]byte, odVar.DataLength())
	err = entry.ReadExactly(odVar.SubIndex, data, true)
	if err != nil {
		return nil, 0, err
	}
	return data, odVar.DataType, nil
}

// ReadLocalAny reads an entry via direct local OD access, and returns its value
// decoded as one of uint64, int64, float64 or string.
func (node *BaseNode) ReadLocalAny(index any, subindex any) (any, error) {
	data, dataType, err := node.localRead(index, subindex)
	if err != nil {
		return nil, err
	}
	return od.DecodeToType(data, dataType)
}

// ReadLocalAnyExact is like ReadLocalAny but preserves the exact width of the OD
// data type (uint8, uint16, ..., int8, ..., float32, float64, string).
func (node *BaseNode) ReadLocalAnyExact(index any, subindex any) (any, error) {
	data, dataType, err := node.localRead(index, subindex)
	if err != nil {
		return nil, err
	}
	return od.DecodeToTypeExact(data, dataType)
}

// ReadLocalBytes reads an entry via direct local OD access, returning its raw
// encoded value.
func (node *BaseNode) ReadLocalBytes(index any, subindex any) ([]byte, error) {
	data, _, err := node.localRead(index, subindex)
	return data, err
}

// ReadLocalUint reads an entry via direct local OD access, requiring it to be
// one of BOOLEAN, UNSIGNED8, UNSIGNED16, UNSIGNED32 or UNSIGNED64.
func (node *BaseNode) ReadLocalUint(index any, subindex any) (uint64, error) {
	v, err := node.ReadLocalAny(index, subindex)
	if err != nil {
		return 0, err
	}
	value, ok := v.(uint64)
	if !ok {
		return 0, od.ErrTypeMismatch
	}
	return value, nil
}

// ReadLocalInt reads an entry via direct local OD access, requiring it to be
// one of INTEGER8, INTEGER16, INTEGER32 or INTEGER64.
func (node *BaseNode) ReadLocalInt(index any, subindex any) (int64, error) {
	v, err := node.ReadLocalAny(index, subindex)
	if err != nil {
		return 0, err
	}
	value, ok := v.(int64)
	if !ok {
		return 0, od.ErrTypeMismatch
	}
	return value, nil
}

// ReadLocalFloat reads an entry via direct local OD access, requiring it to be
// REAL32 or REAL64.
func (node *BaseNode) ReadLocalFloat(index any, subindex any) (float64, error) {
	v, err := node.ReadLocalAny(index, subindex)
	if err != nil {
		return 0, err
	}
	value, ok := v.(float64)
	if !ok {
		return 0, od.ErrTypeMismatch
	}
	return value, nil
}

// ReadLocalString reads an entry via direct local OD access, requiring it to be
// VISIBLE_STRING, OCTET_STRING or UNICODE_STRING.
func (node *BaseNode) ReadLocalString(index any, subindex any) (string, error) {
	v, err := node.ReadLocalAny(index, subindex)
	if err != nil {
		return "", err
	}
	value, ok := v.(string)
	if !ok {
		return "", od.ErrTypeMismatch
	}
	return value, nil
}

// WriteLocalBytes writes an entry via direct local OD access. Only the length of
// value is checked against the entry's data length; no type conversion is
// performed.
func (node *BaseNode) WriteLocalBytes(index any, subindex any, value []byte) error {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return err
	}
	return entry.WriteExactly(odVar.SubIndex, value, true)
}

// WriteLocalAny writes an entry via direct local OD access, encoding value
// according to the entry's CiA 301 data type.
func (node *BaseNode) WriteLocalAny(index any, subindex any, value any) error {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return err
	}
	data, err := od.EncodeFromGeneric(value)
	if err != nil {
		return err
	}
	return entry.WriteExactly(odVar.SubIndex, data, true)
}
