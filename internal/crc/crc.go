// Package crc implements the CRC16/CCITT-XMODEM checksum used by SDO block
// transfers (CiA 301 §7.2.4.3.17).
package crc

// CRC16 is a CCITT (XMODEM) CRC accumulator: polynomial 0x1021, no input or
// output reflection, initial value 0.
type CRC16 uint16

// Single folds one byte into the accumulator.
func (c *CRC16) Single(b byte) {
	crc := *c
	crc ^= CRC16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc = crc << 1
		}
	}
	*c = crc
}

// Block folds every byte of data into the accumulator, in order.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}
