package tcp

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	MagicByte = 'L'

	OpSet = 1
	OpGet = 2
	OpDel = 3

	StatusOK             = 0
	StatusKeyNotFound    = 1
	StatusInvalidRequest = 2
	StatusServerError    = 3
)

// Fixed 8-byte header: [magic 1] [op/status 1] [keyLen 2] [valLen 4].
const HeaderSize = 8

const (
	MaxKeySize   = 65535
	MaxValueSize = 10 * 1024 * 1024
)

type Packet struct {
	Opcode uint8
	Key    string
	Value  []byte
}

// WritePacket frames op, key and value onto w. Responses reuse the opcode
// slot as a status code and carry an empty key.
func WritePacket(w io.Writer, op uint8, key string, value []byte) error {
	if len(key) > MaxKeySize {
		return errors.New("key too long")
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(key)+len(value))
	buf[0] = MagicByte
	buf[1] = op
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(value)))
	buf = append(buf, key...)
	buf = append(buf, value...)

	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one frame from r.
func ReadPacket(r io.Reader) (Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Packet{}, err
	}
	if header[0] != MagicByte {
		return Packet{}, errors.New("invalid magic byte")
	}

	op := header[1]
	keyLen := binary.BigEndian.Uint16(header[2:4])
	valLen := binary.BigEndian.Uint32(header[4:8])
	if valLen > MaxValueSize {
		return Packet{}, errors.New("value too large")
	}

	body := make([]byte, int(keyLen)+int(valLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, err
	}

	return Packet{
		Opcode: op,
		Key:    string(body[:keyLen]),
		Value:  body[keyLen:],
	}, nil
}
