package mls

import (
	"fmt"
)

///
/// Proposals
///

type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 1
	ProposalTypeUpdate                 ProposalType = 2
	ProposalTypeRemove                 ProposalType = 3
	ProposalTypePSK                    ProposalType = 4
	ProposalTypeReInit                 ProposalType = 5
	ProposalTypeExternalInit           ProposalType = 6
	ProposalTypeGroupContextExtensions ProposalType = 7
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove,
		ProposalTypePSK, ProposalTypeReInit, ProposalTypeExternalInit,
		ProposalTypeGroupContextExtensions)
}

// struct {
//     KeyPackage key_package;
// } Add;
type AddProposal struct {
	KeyPackage KeyPackage
}

// struct {
//     LeafNode leaf_node;
// } Update;
type UpdateProposal struct {
	LeafNode LeafNode
}

// struct {
//     uint32 removed;
// } Remove;
type RemoveProposal struct {
	Removed LeafIndex
}

// The following are carried on the wire but not acted upon

// struct {
//     opaque psk_id<0..2^16-1>;
//     opaque psk_nonce<0..255>;
// } PreSharedKey;
type PreSharedKeyProposal struct {
	PSKID    []byte `tls:"head=2"`
	PSKNonce []byte `tls:"head=1"`
}

// struct {
//     opaque group_id<0..255>;
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     opaque extensions<0..2^32-1>;
// } ReInit;
type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  []byte `tls:"head=4"`
}

// struct {
//     opaque kem_output<0..2^16-1>;
// } ExternalInit;
type ExternalInitProposal struct {
	KEMOutput []byte `tls:"head=2"`
}

// struct {
//     opaque extensions<0..2^32-1>;
// } GroupContextExtensions;
type GroupContextExtensionsProposal struct {
	Extensions []byte `tls:"head=4"`
}

// struct {
//     ProposalType msg_type;
//     select (Proposal.msg_type) {
//         case add:                      Add;
//         case update:                   Update;
//         case remove:                   Remove;
//         case psk:                      PreSharedKey;
//         case reinit:                   ReInit;
//         case external_init:            ExternalInit;
//         case group_context_extensions: GroupContextExtensions;
//     };
// } Proposal;
type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PSK                    *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PSK != nil:
		return ProposalTypePSK
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	default:
		panic("Malformed proposal")
	}
}

func (p Proposal) body() (interface{}, error) {
	switch {
	case p.Add != nil:
		return *p.Add, nil
	case p.Update != nil:
		return *p.Update, nil
	case p.Remove != nil:
		return *p.Remove, nil
	case p.PSK != nil:
		return *p.PSK, nil
	case p.ReInit != nil:
		return *p.ReInit, nil
	case p.ExternalInit != nil:
		return *p.ExternalInit, nil
	case p.GroupContextExtensions != nil:
		return *p.GroupContextExtensions, nil
	}

	return nil, fmt.Errorf("mls.proposal: %w: empty proposal", ErrTLSCodec)
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	body, err := p.body()
	if err != nil {
		return nil, err
	}

	s := NewWriteStream()
	if err := s.WriteAll(p.Type(), body); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var proposalType ProposalType
	if _, err := s.Read(&proposalType); err != nil {
		return 0, err
	}

	*p = Proposal{}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	case ProposalTypePSK:
		p.PSK = new(PreSharedKeyProposal)
		_, err = s.Read(p.PSK)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		_, err = s.Read(p.ReInit)
	case ProposalTypeExternalInit:
		p.ExternalInit = new(ExternalInitProposal)
		_, err = s.Read(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		_, err = s.Read(p.GroupContextExtensions)
	default:
		err = fmt.Errorf("mls.proposal: %w: proposal type %d", ErrUnsupported, proposalType)
	}

	if err != nil {
		return 0, err
	}

	return s.Consumed(), nil
}

///
/// Commit
///

// struct {
//     uint32 proposal_count;
//     Proposal proposals[proposal_count];
//     uint8 has_path;
//     select (has_path) {
//         case 1: UpdatePath path;
//     };
// } Commit;
type Commit struct {
	Proposals []Proposal
	Path      *UpdatePath
}

func (c Commit) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.WriteCount(len(c.Proposals)); err != nil {
		return nil, err
	}

	for _, p := range c.Proposals {
		if err := s.Write(p); err != nil {
			return nil, err
		}
	}

	if c.Path == nil {
		if err := s.Write(uint8(0)); err != nil {
			return nil, err
		}
		return s.Data(), nil
	}

	if err := s.WriteAll(uint8(1), *c.Path); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	// a proposal is at least a type and a two-byte body
	count, err := s.ReadCount(2 + 2)
	if err != nil {
		return 0, err
	}

	c.Proposals = make([]Proposal, count)
	for i := range c.Proposals {
		if _, err := s.Read(&c.Proposals[i]); err != nil {
			return 0, err
		}
	}

	var hasPath uint8
	if _, err := s.Read(&hasPath); err != nil {
		return 0, err
	}

	c.Path = nil
	switch hasPath {
	case 0:
	case 1:
		c.Path = new(UpdatePath)
		if _, err := s.Read(c.Path); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("mls.commit: %w: has_path %d", ErrTLSCodec, hasPath)
	}

	return s.Consumed(), nil
}

func (c Commit) Marshal() ([]byte, error) {
	return marshal(c)
}

func UnmarshalCommit(data []byte) (*Commit, error) {
	c := new(Commit)
	if err := unmarshalAll(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Updates come before removes, removes before adds.  Other proposal types
// may appear anywhere.
func proposalRank(t ProposalType) int {
	switch t {
	case ProposalTypeUpdate:
		return 1
	case ProposalTypeRemove:
		return 2
	case ProposalTypeAdd:
		return 3
	}
	return 0
}

func (c Commit) ValidateOrder() error {
	last := 0
	for i, p := range c.Proposals {
		rank := proposalRank(p.Type())
		if rank == 0 {
			continue
		}

		if rank < last {
			return fmt.Errorf("mls.commit: %w: proposal %d (type %d) out of order", ErrValidation, i, p.Type())
		}
		last = rank
	}
	return nil
}

///
/// PrivateMessage
///

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

func (ct ContentType) handshake() bool {
	return ct != ContentTypeApplication
}

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     ContentType content_type;
//     opaque authenticated_data<0..2^32-1>;
//     opaque encrypted_sender_data<0..255>;
//     opaque ciphertext<0..2^32-1>;
// } PrivateMessage;
type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

const (
	senderDataSize        = 4 + 4 + 4
	aeadTagSize           = 16
	encryptedSenderDataSz = senderDataSize + aeadTagSize
	ciphertextSampleSize  = 16
)

func (pm PrivateMessage) Marshal() ([]byte, error) {
	return marshal(pm)
}

func UnmarshalPrivateMessage(data []byte) (*PrivateMessage, error) {
	pm := new(PrivateMessage)
	if err := unmarshalAll(data, pm); err != nil {
		return nil, err
	}

	if len(pm.EncryptedSenderData) != encryptedSenderDataSz {
		return nil, fmt.Errorf("mls.message: %w: encrypted sender data is %d bytes", ErrDeserialization, len(pm.EncryptedSenderData))
	}

	if len(pm.Ciphertext) < aeadTagSize {
		return nil, fmt.Errorf("mls.message: %w: ciphertext is %d bytes", ErrDeserialization, len(pm.Ciphertext))
	}

	return pm, nil
}

// struct {
//     uint32 leaf_index;
//     uint32 generation;
//     opaque reuse_guard[4];
// } SenderData;
type SenderData struct {
	Leaf       LeafIndex
	Generation uint32
	ReuseGuard [4]byte
}

// The first bytes of the content ciphertext, zero-padded
func ciphertextSample(ct []byte) []byte {
	sample := make([]byte, ciphertextSampleSize)
	copy(sample, ct)
	return sample
}

func senderDataKeyAndNonce(suite CipherSuite, senderDataSecret, ct []byte) keyAndNonce {
	sample := ciphertextSample(ct)
	return keyAndNonce{
		Key:   suite.expandWithLabel(senderDataSecret, "key", sample, suite.Constants().KeySize),
		Nonce: suite.expandWithLabel(senderDataSecret, "nonce", sample, suite.Constants().NonceSize),
	}
}

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

func contentAAD(gid []byte, epoch uint64, contentType ContentType, authenticatedData []byte) ([]byte, error) {
	return marshal(struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		ContentType       ContentType
		AuthenticatedData []byte `tls:"head=4"`
	}{
		GroupID:           gid,
		Epoch:             epoch,
		ContentType:       contentType,
		AuthenticatedData: authenticatedData,
	})
}
