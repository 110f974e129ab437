package marmot

import (
	"fmt"
	"unicode/utf8"

	mls "github.com/marmot-protocol/go-marmot"
)

const (
	ExtensionTypeGroupData mls.ExtensionType = 0xF2EE

	GroupDataVersion1 uint16 = 1
	GroupDataVersion2 uint16 = 2

	MaxAdmins = 1000
	MaxRelays = 100
)

// The image fields are present together or not at all; the upload key only
// exists from version 2 on.
type GroupImage struct {
	Hash      [32]byte
	Key       [32]byte
	Nonce     [12]byte
	UploadKey *[32]byte
}

// struct {
//     uint16 version;
//     opaque nostr_group_id[32];
//     opaque name<V>;
//     opaque description<V>;
//     opaque admins<V>;
//     opaque relays<V>;
//     uint8 has_image;
//     select (has_image) {
//         case 1:
//             opaque image_hash[32];
//             opaque image_key[32];
//             opaque image_nonce[12];
//             select (version >= 2) {
//                 uint8 has_upload_key;
//                 opaque image_upload_key[32];
//             }
//     }
// } GroupData;
type GroupData struct {
	Version      uint16
	NostrGroupID [32]byte
	Name         string
	Description  string
	Admins       [][32]byte
	Relays       []string
	Image        *GroupImage
}

func (gd GroupData) Type() mls.ExtensionType {
	return ExtensionTypeGroupData
}

func (gd GroupData) IsAdmin(pubkey [32]byte) bool {
	for _, a := range gd.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

func (gd GroupData) validate() error {
	if gd.Version != GroupDataVersion1 && gd.Version != GroupDataVersion2 {
		return fmt.Errorf("marmot.groupdata: %w: version %d", mls.ErrUnsupported, gd.Version)
	}

	if len(gd.Admins) > MaxAdmins {
		return fmt.Errorf("marmot.groupdata: %w: %d admins", mls.ErrValidation, len(gd.Admins))
	}

	if len(gd.Relays) > MaxRelays {
		return fmt.Errorf("marmot.groupdata: %w: %d relays", mls.ErrValidation, len(gd.Relays))
	}

	if !utf8.ValidString(gd.Name) || !utf8.ValidString(gd.Description) {
		return fmt.Errorf("marmot.groupdata: %w: name or description is not UTF-8", mls.ErrValidation)
	}

	for _, r := range gd.Relays {
		if !utf8.ValidString(r) || len(r) > 0xFFFF {
			return fmt.Errorf("marmot.groupdata: %w: malformed relay url", mls.ErrValidation)
		}
	}

	if gd.Image != nil && gd.Image.UploadKey != nil && gd.Version < GroupDataVersion2 {
		return fmt.Errorf("marmot.groupdata: %w: upload key requires version 2", mls.ErrValidation)
	}

	return nil
}

func (gd GroupData) MarshalTLS() ([]byte, error) {
	if err := gd.validate(); err != nil {
		return nil, err
	}

	admins := make([]byte, 0, 32*len(gd.Admins))
	for _, a := range gd.Admins {
		admins = append(admins, a[:]...)
	}

	relays := mls.NewWriteStream()
	for _, r := range gd.Relays {
		if err := relays.Write(mls.Bytes2(r)); err != nil {
			return nil, err
		}
	}

	s := mls.NewWriteStream()
	err := s.WriteAll(gd.Version, gd.NostrGroupID, mls.Bytes2(gd.Name), mls.Bytes2(gd.Description),
		mls.Bytes4(admins), mls.Bytes4(relays.Data()))
	if err != nil {
		return nil, err
	}

	if gd.Image == nil {
		err = s.Write(uint8(0))
		return s.Data(), err
	}

	err = s.WriteAll(uint8(1), gd.Image.Hash, gd.Image.Key, gd.Image.Nonce)
	if err != nil || gd.Version < GroupDataVersion2 {
		return s.Data(), err
	}

	if gd.Image.UploadKey == nil {
		err = s.Write(uint8(0))
	} else {
		err = s.WriteAll(uint8(1), *gd.Image.UploadKey)
	}
	return s.Data(), err
}

func readFlag(s *mls.ReadStream) (bool, error) {
	var flag uint8
	if _, err := s.Read(&flag); err != nil {
		return false, err
	}

	switch flag {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("marmot.groupdata: %w: presence flag %d", mls.ErrValidation, flag)
	}
}

func (gd *GroupData) UnmarshalTLS(data []byte) (int, error) {
	s := mls.NewReadStream(data)

	var version uint16
	if _, err := s.Read(&version); err != nil {
		return 0, err
	}

	if version != GroupDataVersion1 && version != GroupDataVersion2 {
		return 0, fmt.Errorf("marmot.groupdata: %w: version %d", mls.ErrUnsupported, version)
	}

	var nostrGroupID [32]byte
	var name, description mls.Bytes2
	var admins, relays mls.Bytes4
	if _, err := s.ReadAll(&nostrGroupID, &name, &description, &admins, &relays); err != nil {
		return 0, err
	}

	if len(admins)%32 != 0 {
		return 0, fmt.Errorf("marmot.groupdata: %w: admin list of %d bytes", mls.ErrValidation, len(admins))
	}

	if len(admins)/32 > MaxAdmins {
		return 0, fmt.Errorf("marmot.groupdata: %w: %d admins", mls.ErrValidation, len(admins)/32)
	}

	out := GroupData{
		Version:      version,
		NostrGroupID: nostrGroupID,
		Name:         string(name),
		Description:  string(description),
		Admins:       make([][32]byte, len(admins)/32),
		Relays:       []string{},
	}

	for i := range out.Admins {
		copy(out.Admins[i][:], admins[32*i:])
	}

	rs := mls.NewReadStream(relays)
	for rs.Remaining() > 0 {
		if len(out.Relays) == MaxRelays {
			return 0, fmt.Errorf("marmot.groupdata: %w: more than %d relays", mls.ErrValidation, MaxRelays)
		}

		var url mls.Bytes2
		if _, err := rs.Read(&url); err != nil {
			return 0, err
		}
		out.Relays = append(out.Relays, string(url))
	}

	hasImage, err := readFlag(s)
	if err != nil {
		return 0, err
	}

	if hasImage {
		img := &GroupImage{}
		if _, err := s.ReadAll(&img.Hash, &img.Key, &img.Nonce); err != nil {
			return 0, err
		}

		if version >= GroupDataVersion2 {
			hasUploadKey, err := readFlag(s)
			if err != nil {
				return 0, err
			}

			if hasUploadKey {
				var key [32]byte
				if _, err := s.Read(&key); err != nil {
					return 0, err
				}
				img.UploadKey = &key
			}
		}

		out.Image = img
	}

	if err := out.validate(); err != nil {
		return 0, err
	}

	*gd = out
	return s.Consumed(), nil
}

func (gd GroupData) Marshal() ([]byte, error) {
	return gd.MarshalTLS()
}

// UnmarshalGroupData decodes a bare extension body.  Trailing bytes are an
// error.
func UnmarshalGroupData(data []byte) (*GroupData, error) {
	var gd GroupData
	read, err := gd.UnmarshalTLS(data)
	if err != nil {
		return nil, err
	}

	if read != len(data) {
		return nil, fmt.Errorf("marmot.groupdata: %w: %d trailing bytes", mls.ErrTLSCodec, len(data)-read)
	}
	return &gd, nil
}

// groupDataFromExtensions finds the GroupData extension in an extensions blob
func groupDataFromExtensions(extensions []byte) (*GroupData, error) {
	el, err := mls.ParseExtensions(extensions)
	if err != nil {
		return nil, err
	}

	var gd GroupData
	found, err := el.Find(&gd)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("marmot.groupdata: %w: no group data extension", mls.ErrValidation)
	}
	return &gd, nil
}

// withGroupData replaces the GroupData extension in an extensions blob
func withGroupData(extensions []byte, gd GroupData) ([]byte, error) {
	el, err := mls.ParseExtensions(extensions)
	if err != nil {
		return nil, err
	}

	if err := el.Add(gd); err != nil {
		return nil, err
	}
	return el.Marshal()
}
