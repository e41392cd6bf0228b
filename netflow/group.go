// Copyright (C) 2024 dflow authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package netflow

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Group abstracts a numbered set of point-to-point bidirectional
// connections, one per peer, identified by rank (spec §4.6). FlowControl
// collectives run over a Group.
type Group struct {
	myRank int
	conns  []Connection // conns[myRank] is nil
}

// MyRank returns this host's rank within the group.
func (g *Group) MyRank() int { return g.myRank }

// NumPeers returns the total number of ranks in the group, including self.
func (g *Group) NumPeers() int { return len(g.conns) }

// Connection returns the connection to peer rank. Panics if rank == MyRank.
func (g *Group) Connection(rank int) Connection {
	if rank == g.myRank {
		panic("netflow: Group.Connection(MyRank): no self-connection")
	}
	return g.conns[rank]
}

// Close tears down every peer connection.
func (g *Group) Close() error {
	var firstErr error
	for r, c := range g.conns {
		if r == g.myRank || c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewTCPGroup builds a fully-connected Group over TCP. addrs[r] is the
// dial address that rank r listens on; myRank identifies this process's
// rank and myListenAddr is the local address to accept on. The bring-up
// follows the standard lower-rank-dials-higher-rank rendezvous: a rank
// dials every peer of greater rank (retrying until the peer's listener is
// up) and accepts connections from every peer of lesser rank, identifying
// each inbound connection via a 4-byte rank handshake.
func NewTCPGroup(myRank int, myListenAddr string, addrs []string, dialTimeout time.Duration) (*Group, error) {
	n := len(addrs)
	g := &Group{myRank: myRank, conns: make([]Connection, n)}

	ln, err := net.Listen("tcp", myListenAddr)
	if err != nil {
		return nil, fmt.Errorf("netflow: listen on %s: %w", myListenAddr, err)
	}
	defer ln.Close()

	numExpectedAccepts := myRank // one inbound connection per lower rank
	accepted := make(chan error, 1)
	go func() {
		for i := 0; i < numExpectedAccepts; i++ {
			conn, err := ln.Accept()
			if err != nil {
				accepted <- fmt.Errorf("netflow: accept: %w", err)
				return
			}
			var rankBuf [4]byte
			if _, err := io.ReadFull(conn, rankBuf[:]); err != nil {
				accepted <- fmt.Errorf("netflow: rank handshake read: %w", err)
				return
			}
			peerRank := int(binary.BigEndian.Uint32(rankBuf[:]))
			g.conns[peerRank] = NewConnection(conn, peerRank)
		}
		accepted <- nil
	}()

	for r := myRank + 1; r < n; r++ {
		conn, err := dialWithRetry(addrs[r], dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("netflow: dial rank %d at %s: %w", r, addrs[r], err)
		}
		var rankBuf [4]byte
		binary.BigEndian.PutUint32(rankBuf[:], uint32(myRank))
		if _, err := conn.Write(rankBuf[:]); err != nil {
			return nil, fmt.Errorf("netflow: rank handshake write to %d: %w", r, err)
		}
		g.conns[r] = NewConnection(conn, r)
	}

	if err := <-accepted; err != nil {
		return nil, err
	}
	return g, nil
}

func dialWithRetry(addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		time.Sleep(20 * time.Millisecond)
	}
}
