package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeRequiredCapabilities ExtensionType = 0x0003
	ExtensionTypeLastResort           ExtensionType = 0x000A
)

type ExtensionBody interface {
	Type() ExtensionType
}

// struct {
//     ExtensionType extension_type;
//     opaque extension_data<0..2^16-1>;
// } Extension;
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

// ExtensionList is carried on the wire as the bare concatenation of its
// entries, inside whatever opaque vector the enclosing object provides.
type ExtensionList struct {
	Entries []Extension
}

func NewExtensionList() ExtensionList {
	return ExtensionList{Entries: []Extension{}}
}

func ParseExtensions(data []byte) (ExtensionList, error) {
	el := NewExtensionList()
	s := NewReadStream(data)
	seen := map[ExtensionType]bool{}
	for s.Remaining() > 0 {
		var ext Extension
		if _, err := s.Read(&ext); err != nil {
			return ExtensionList{}, err
		}

		if seen[ext.ExtensionType] {
			return ExtensionList{}, fmt.Errorf("mls.extensions: %w: duplicate extension 0x%04x", ErrValidation, uint16(ext.ExtensionType))
		}
		seen[ext.ExtensionType] = true

		el.Entries = append(el.Entries, ext)
	}
	return el, nil
}

func (el ExtensionList) Marshal() ([]byte, error) {
	s := NewWriteStream()
	for _, ext := range el.Entries {
		if err := s.Write(ext); err != nil {
			return nil, err
		}
	}

	if s.Data() == nil {
		return []byte{}, nil
	}
	return s.Data(), nil
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return fmt.Errorf("mls.extensions: %w: %v", ErrTLSCodec, err)
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, fmt.Errorf("mls.extensions: %w: %v", ErrDeserialization, err)
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("mls.extensions: %w: extension failed to consume all data", ErrDeserialization)
			}

			return true, nil
		}
	}
	return false, nil
}
