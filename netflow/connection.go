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

// Package netflow implements the point-to-point transport layer between
// worker hosts (spec §4.6): Group (a numbered set of peer connections),
// Dispatcher (a single-threaded async I/O event loop), and FlowControl (the
// collective operations -- PrefixSum, AllReduce, Broadcast, Barrier -- that
// are the only synchronization points between dataflow stages).
package netflow

import (
	"fmt"
	"io"
	"net"
)

// Connection is a bidirectional point-to-point link to one peer in a Group.
// Implementations need not be safe for several goroutines calling SyncSend
// (or several calling SyncRecv) on the *same* connection at once, but must
// support one reader and one writer running concurrently (spec §4.6).
type Connection interface {
	// SyncSend blocks until all of p has been sent.
	SyncSend(p []byte) error
	// SyncRecv blocks until len(p) bytes have been read into p.
	SyncRecv(p []byte) error
	// SendOne makes a best-effort non-blocking send of at least one byte of
	// p, returning how many bytes were actually written.
	SendOne(p []byte) (int, error)
	// PeerRank identifies which group member this connection talks to.
	PeerRank() int
	// Close tears down the connection.
	Close() error
}

// netConn adapts a net.Conn to Connection.
type netConn struct {
	conn net.Conn
	rank int
}

// NewConnection wraps an established net.Conn as a Connection to peer rank.
func NewConnection(conn net.Conn, rank int) Connection {
	return &netConn{conn: conn, rank: rank}
}

func (c *netConn) SyncSend(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *netConn) SyncRecv(p []byte) error {
	_, err := io.ReadFull(c.conn, p)
	return err
}

func (c *netConn) SendOne(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.conn.Write(p[:1])
	if err != nil {
		return n, fmt.Errorf("netflow: SendOne: %w", err)
	}
	return n, nil
}

func (c *netConn) PeerRank() int { return c.rank }

func (c *netConn) Close() error { return c.conn.Close() }
