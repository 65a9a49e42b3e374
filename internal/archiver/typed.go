package archiver

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AppendValue is the Go generics equivalent of the original's templated
// append<T>: it encodes v with encoding/binary and reserves its space in
// the current run.
func AppendValue[T any](s *Stream, v T) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("archiver: encode element: %w", err)
	}
	dst, err := s.Append(uint32(buf.Len()))
	if err != nil {
		return err
	}
	copy(dst, buf.Bytes())
	return nil
}

// ReadValue is the Go generics equivalent of the original's templated
// get_next<T>: it reads the next element of the run and decodes it as T.
func ReadValue[T any](s *Stream) (T, error) {
	var zero T
	var size int
	{
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, zero); err != nil {
			return zero, fmt.Errorf("archiver: size element: %w", err)
		}
		size = buf.Len()
	}
	raw, err := s.ReadNext(uint32(size))
	if err != nil {
		return zero, err
	}
	var out T
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &out); err != nil {
		return zero, fmt.Errorf("archiver: decode element: %w", err)
	}
	return out, nil
}
