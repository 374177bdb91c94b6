// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blob

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/core"
)

type alwaysFail struct{ calls atomic.Int32 }

func (f *alwaysFail) Fetch(context.Context, core.Ticket) ([]byte, error) {
	f.calls.Add(1)
	return nil, errors.New("boom")
}

func TestRetryBound(t *testing.T) {
	f := &alwaysFail{}
	s := NewStore(log.NewNoOpLogger(), f)

	payload := []byte("hello")
	hash := sha256.Sum256(payload)
	ticket := core.Ticket{Hash: hash}

	s.StartDownload(context.Background(), ticket, 1, DownloadKind{})

	select {
	case failed := <-s.Failed():
		require.Equal(t, ticket, failed.Ticket)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for permanent failure")
	}

	require.LessOrEqual(t, int(f.calls.Load()), 3)
	require.Equal(t, int32(3), f.calls.Load())
}

type staticFetch struct{ payload []byte }

func (f staticFetch) Fetch(context.Context, core.Ticket) ([]byte, error) {
	return f.payload, nil
}

func TestBlobGCRetainsActiveRound(t *testing.T) {
	s := NewStore(log.NewNoOpLogger(), staticFetch{})

	s.AddDownloadable("addr", []byte("old"), 5, core.FormatDistroResult)
	s.AddDownloadable("addr", []byte("current"), 10, core.FormatDistroResult)
	s.AddDownloadable("addr", []byte("ephemeral"), 0, core.FormatModelConfig)

	// Entering RoundTrain at step 10: anything tagged below 9 is eligible
	// for deletion, tag 0 is always ephemeral.
	s.RemoveBlobsWithTagLessThan(9)

	require.Equal(t, 1, s.Len())
	require.True(t, s.HasTagAtLeast(9))
}

func TestDownloadCompleteVerifiesHash(t *testing.T) {
	payload := []byte("payload-bytes")
	s := NewStore(log.NewNoOpLogger(), staticFetch{payload: payload})

	ticket := core.Ticket{Hash: sha256.Sum256(payload)}
	s.StartDownload(context.Background(), ticket, 3, DownloadKind{})

	select {
	case c := <-s.Complete():
		require.Equal(t, payload, c.Data)
		require.Equal(t, ticket.Hash, c.Hash)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
