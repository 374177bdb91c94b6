// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import "crypto/sha256"

// computeMerkleRoot folds a round's applied Finished contributions into one
// root, the same pairwise-pad-and-combine construction the consensus
// examples use for block/epoch roots.
func computeMerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][32]byte, len(hashes))
	copy(level, hashes)
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}

	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var buf [64]byte
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next[i/2] = sha256.Sum256(buf[:])
		}
		if len(next)%2 != 0 && len(next) > 1 {
			next = append(next, next[len(next)-1])
		}
		level = next
	}
	return level[0]
}
