package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// Write Stream
///

type WriteStream struct {
	buffer []byte
}

func NewWriteStream() *WriteStream {
	return &WriteStream{}
}

func (s *WriteStream) Data() []byte {
	return s.buffer
}

func (s *WriteStream) Write(val interface{}) error {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return fmt.Errorf("mls.stream: %w: %v", ErrTLSCodec, err)
	}
	s.buffer = append(s.buffer, enc...)
	return nil
}

func (s *WriteStream) WriteAll(vals ...interface{}) error {
	for _, val := range vals {
		err := s.Write(val)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *WriteStream) Append(b []byte) error {
	s.buffer = append(s.buffer, b...)
	return nil
}

// WriteCount writes a u32 element count ahead of a counted vector
func (s *WriteStream) WriteCount(n int) error {
	if n < 0 || uint64(n) > 0xFFFFFFFF {
		return fmt.Errorf("mls.stream: %w: vector count %d", ErrTLSCodec, n)
	}
	return s.Write(uint32(n))
}

///
/// ReadStream
///

type ReadStream struct {
	buffer []byte
	cursor int
}

func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{data, 0}
}

func (s *ReadStream) Read(val interface{}) (int, error) {
	read, err := syntax.Unmarshal(s.buffer[s.cursor:], val)
	if err != nil {
		return 0, fmt.Errorf("mls.stream: %w: %v", ErrTLSCodec, err)
	}

	s.cursor += read
	return read, nil
}

func (s *ReadStream) ReadAll(vals ...interface{}) (int, error) {
	totalRead := 0
	for _, val := range vals {
		read, err := s.Read(val)
		if err != nil {
			return 0, err
		}
		totalRead += read
	}
	return totalRead, nil
}

// ReadCount reads a u32 element count and rejects counts that could not
// possibly fit in the remaining input, given a minimum element size.
func (s *ReadStream) ReadCount(minElementSize int) (int, error) {
	var n uint32
	if _, err := s.Read(&n); err != nil {
		return 0, err
	}

	if minElementSize > 0 && uint64(n)*uint64(minElementSize) > uint64(s.Remaining()) {
		return 0, fmt.Errorf("mls.stream: %w: vector count %d exceeds input", ErrTLSCodec, n)
	}

	return int(n), nil
}

func (s *ReadStream) Consumed() int {
	return s.cursor
}

func (s *ReadStream) Remaining() int {
	return len(s.buffer) - s.cursor
}

///
/// Opaque vectors
///

type Bytes1 []byte

func (b Bytes1) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=1"`
	}{b})
}

func (b *Bytes1) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=1"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}

	*b = dup(tmp.Data)
	return read, nil
}

type Bytes2 []byte

func (b Bytes2) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=2"`
	}{b})
}

func (b *Bytes2) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=2"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}

	*b = dup(tmp.Data)
	return read, nil
}

type Bytes4 []byte

func (b Bytes4) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=4"`
	}{b})
}

func (b *Bytes4) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=4"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}

	*b = dup(tmp.Data)
	return read, nil
}

// unmarshalAll decodes a complete top-level object; trailing bytes are an error.
func unmarshalAll(data []byte, val interface{}) error {
	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return fmt.Errorf("mls.stream: %w: %v", ErrTLSCodec, err)
	}

	if read != len(data) {
		return fmt.Errorf("mls.stream: %w: %d trailing bytes", ErrTLSCodec, len(data)-read)
	}

	return nil
}

func marshal(val interface{}) ([]byte, error) {
	data, err := syntax.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("mls.stream: %w: %v", ErrTLSCodec, err)
	}
	return data, nil
}
