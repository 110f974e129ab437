package mls

import (
	"bytes"
	"fmt"
)

// Session tracks a member's current state along with at most one commit this
// member has created but not yet merged.
type Session struct {
	state   *State
	pending *CommitResult
}

func NewSession(state *State) *Session {
	return &Session{state: state}
}

func (s *Session) State() *State {
	return s.state
}

func (s *Session) Epoch() uint64 {
	return s.state.Epoch
}

// Stage records an own commit.  Only one commit may be pending.
func (s *Session) Stage(result *CommitResult) error {
	if s.pending != nil {
		return fmt.Errorf("mls.session: %w: epoch %d", ErrOwnCommitPending, s.state.Epoch)
	}

	s.pending = result
	return nil
}

func (s *Session) Pending() (*CommitResult, bool) {
	return s.pending, s.pending != nil
}

// Merge adopts the pending commit and discards the previous epoch
func (s *Session) Merge() error {
	if s.pending == nil {
		return fmt.Errorf("mls.session: %w: no pending commit", ErrInvalidArg)
	}

	s.state.Destroy()
	s.state = s.pending.State
	s.pending = nil
	return nil
}

func (s *Session) ClearPending() {
	if s.pending == nil {
		return
	}

	s.pending.State.Destroy()
	s.pending = nil
}

func (s *Session) Add(kps ...KeyPackage) (*CommitResult, error) {
	return s.stage(s.state.AddMembers(kps...))
}

func (s *Session) Remove(removed LeafIndex) (*CommitResult, error) {
	return s.stage(s.state.RemoveMember(removed))
}

func (s *Session) Update() (*CommitResult, error) {
	return s.stage(s.state.SelfUpdate())
}

func (s *Session) UpdateExtensions(extensions []byte) (*CommitResult, error) {
	return s.stage(s.state.UpdateExtensions(extensions))
}

func (s *Session) stage(result *CommitResult, err error) (*CommitResult, error) {
	if err != nil {
		return nil, err
	}

	if err := s.Stage(result); err != nil {
		result.State.Destroy()
		return nil, err
	}
	return result, nil
}

func (s *Session) Protect(pt []byte) ([]byte, error) {
	return s.state.Encrypt(pt)
}

// Handle processes a framed message for the current epoch.  A commit from
// another member replaces the state and drops any pending commit; the echo
// of the pending commit yields ErrOwnCommitPending.
func (s *Session) Handle(data []byte) (*DecryptedMessage, error) {
	if s.pending != nil && bytes.Equal(data, s.pending.Message) {
		return nil, fmt.Errorf("mls.session: %w", ErrOwnCommitPending)
	}

	pm, err := UnmarshalPrivateMessage(data)
	if err != nil {
		return nil, err
	}

	if pm.ContentType == ContentTypeApplication {
		return s.state.Decrypt(data)
	}

	next, err := s.state.ProcessCommitMessage(data)
	if err != nil {
		return nil, err
	}

	s.ClearPending()
	s.state.Destroy()
	s.state = next

	return &DecryptedMessage{
		ContentType:       ContentTypeCommit,
		AuthenticatedData: pm.AuthenticatedData,
	}, nil
}
