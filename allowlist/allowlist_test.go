// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package allowlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestReplaceConverges(t *testing.T) {
	a := New()
	a.Replace([]Key{key(1), key(2), key(3)})

	require.True(t, a.Contains(key(1)))
	require.True(t, a.Contains(key(2)))
	require.True(t, a.Contains(key(3)))
	require.False(t, a.Contains(key(4)))
	require.Equal(t, 3, a.Len())

	// A later snapshot drops client 1 and adds client 4: the allowlist must
	// equal exactly the new set, never a union of old and new.
	a.Replace([]Key{key(2), key(3), key(4)})

	require.False(t, a.Contains(key(1)))
	require.True(t, a.Contains(key(4)))
	require.Equal(t, 3, a.Len())
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	a := New()
	require.False(t, a.Contains(key(1)))
	require.Equal(t, 0, a.Len())
}
