package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmot-protocol/go-marmot/storage"
	"github.com/marmot-protocol/go-marmot/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New()
	})
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.False(t, s.IsPersistent())

	value := []byte{1, 2, 3}
	require.Nil(t, s.MLSStore(ctx, storage.LabelGroupState, []byte{9}, value))
	value[0] = 7

	got, err := s.MLSLoad(ctx, storage.LabelGroupState, []byte{9})
	require.Nil(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	got[1] = 7
	again, err := s.MLSLoad(ctx, storage.LabelGroupState, []byte{9})
	require.Nil(t, err)
	require.Equal(t, []byte{1, 2, 3}, again)
}
