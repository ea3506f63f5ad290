package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/errs"
)

func TestGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, ok, err := s.Get(ctx, TreeAtoms, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, TreeAtoms, "a", []byte("v1")))
	v, ok, err := s.Get(ctx, TreeAtoms, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, TreeAtoms, "a"))
	_, ok, err = s.Get(ctx, TreeAtoms, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareAndSwap_RequiresAbsentForNilExpected(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CompareAndSwap(ctx, TreeSystem, "k", nil, []byte("v1")))
	require.ErrorIs(t, s.CompareAndSwap(ctx, TreeSystem, "k", nil, []byte("v2")), errs.ErrConflict)
}

func TestCompareAndSwap_MismatchIsConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, TreeSystem, "k", []byte("v1")))

	err := s.CompareAndSwap(ctx, TreeSystem, "k", []byte("wrong"), []byte("v2"))
	require.ErrorIs(t, err, errs.ErrConflict)

	require.NoError(t, s.CompareAndSwap(ctx, TreeSystem, "k", []byte("v1"), []byte("v2")))
	v, _, _ := s.Get(ctx, TreeSystem, "k")
	require.Equal(t, []byte("v2"), v)
}

func TestScan_ReturnsSortedPrefixMatches(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, TreeAtomRefs, "user.b", []byte("2")))
	require.NoError(t, s.Put(ctx, TreeAtomRefs, "user.a", []byte("1")))
	require.NoError(t, s.Put(ctx, TreeAtomRefs, "other.a", []byte("3")))

	entries, err := s.Scan(ctx, TreeAtomRefs, "user.")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "user.a", entries[0].Key)
	require.Equal(t, "user.b", entries[1].Key)
}

func TestScan_EmptyPrefixReturnsEverything(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, TreeSchemas, "x", []byte("1")))
	require.NoError(t, s.Put(ctx, TreeSchemas, "y", []byte("2")))

	entries, err := s.Scan(ctx, TreeSchemas, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
