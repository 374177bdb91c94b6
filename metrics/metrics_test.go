// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshotReflectsRecordedStats(t *testing.T) {
	c, err := New("psyche_test_snapshot")
	require.NoError(t, err)

	c.SetStepRole(7, "Trainer")
	c.RecordSent("peerA", 100)
	c.RecordReceived("peerA", 50, 7)
	c.PermanentFailureCounter().Inc()

	snap := c.Snapshot(2, 5)
	require.Equal(t, uint32(7), snap.Step)
	require.Equal(t, "Trainer", snap.Role)
	require.Equal(t, 2, snap.NeighborCount)
	require.Equal(t, 5, snap.BlobCount)
	require.EqualValues(t, 1, snap.PermanentFailures)
	require.Equal(t, int64(100), snap.Peers["peerA"].BytesSent)
	require.Equal(t, int64(50), snap.Peers["peerA"].BytesReceived)
	require.Equal(t, uint32(7), snap.Peers["peerA"].LastBroadcastStep)
}

func TestServerServesOneJSONSnapshotPerConnection(t *testing.T) {
	c, err := New("psyche_test_server")
	require.NoError(t, err)
	c.SetStepRole(3, "Witness")

	srv := NewServer(c, func() Snapshot { return c.Snapshot(1, 1) })
	require.NoError(t, srv.Serve("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var got Snapshot
	require.NoError(t, json.NewDecoder(conn).Decode(&got))
	require.Equal(t, uint32(3), got.Step)
	require.Equal(t, "Witness", got.Role)
}
