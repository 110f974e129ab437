package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const ExtensionTypeTwoByte ExtensionType = 0xffff

type TwoByteExtension [2]byte

func (ne TwoByteExtension) Type() ExtensionType {
	return ExtensionTypeTwoByte
}

type LastResortExtension struct{}

func (lr LastResortExtension) Type() ExtensionType {
	return ExtensionTypeLastResort
}

func TestExtensionList(t *testing.T) {
	// Add an extension to the list
	extBody1 := &TwoByteExtension{0xFF, 0xFE}
	extBody1Data := unhex("FFFE")
	el := NewExtensionList()
	err := el.Add(extBody1)
	require.Nil(t, err)
	require.Equal(t, len(el.Entries), 1)
	require.Equal(t, el.Entries[0].ExtensionType, extBody1.Type())
	require.Equal(t, el.Entries[0].ExtensionData, extBody1Data)

	// Verify that Has() returns the expected values
	require.True(t, el.Has(ExtensionTypeTwoByte))
	require.False(t, el.Has(ExtensionTypeRequiredCapabilities))

	// Verify that adding again replaces the first
	extBody2 := &TwoByteExtension{0xFD, 0xFC}
	extBody2Data := unhex("FDFC")
	err = el.Add(extBody2)
	require.Nil(t, err)
	require.Equal(t, len(el.Entries), 1)
	require.Equal(t, el.Entries[0].ExtensionType, extBody2.Type())
	require.Equal(t, el.Entries[0].ExtensionData, extBody2Data)

	// Verify that the body can be retrieved
	extBody3 := new(TwoByteExtension)
	found, err := el.Find(extBody3)
	require.True(t, found)
	require.Nil(t, err)
	require.Equal(t, extBody3, extBody2)

	// Verify that an error is returned if the extension body doesn't consume all
	// of the data in the extension
	el.Entries[0].ExtensionData = append(el.Entries[0].ExtensionData, 0x00)
	found, err = el.Find(extBody3)
	require.True(t, found)
	require.ErrorIs(t, err, ErrDeserialization)

	// Verify that unknown extension are reported correctly
	found, err = el.Find(new(LastResortExtension))
	require.False(t, found)
	require.Nil(t, err)
}

func TestExtensionBlob(t *testing.T) {
	el := NewExtensionList()
	require.Nil(t, el.Add(&TwoByteExtension{0x01, 0x02}))
	require.Nil(t, el.Add(LastResortExtension{}))

	blob, err := el.Marshal()
	require.Nil(t, err)
	require.Equal(t, unhex("ffff00020102"+"000a0000"), blob)

	parsed, err := ParseExtensions(blob)
	require.Nil(t, err)
	require.Len(t, parsed.Entries, 2)
	require.True(t, parsed.Has(ExtensionTypeTwoByte))
	require.True(t, parsed.Has(ExtensionTypeLastResort))

	reblob, err := parsed.Marshal()
	require.Nil(t, err)
	require.Equal(t, blob, reblob)

	// The empty blob is an empty list
	empty, err := NewExtensionList().Marshal()
	require.Nil(t, err)
	require.Equal(t, []byte{}, empty)

	parsed, err = ParseExtensions(nil)
	require.Nil(t, err)
	require.Len(t, parsed.Entries, 0)

	// Duplicates are rejected
	_, err = ParseExtensions(append(dup(blob), unhex("ffff00020304")...))
	require.ErrorIs(t, err, ErrValidation)

	// So are truncated entries
	_, err = ParseExtensions(blob[:len(blob)-1])
	require.ErrorIs(t, err, ErrTLSCodec)
}
