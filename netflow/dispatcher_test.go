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
	"net"
	"sync"
	"testing"
	"time"
)

func connPipe(t *testing.T) (Connection, Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("connPipe: listen: %v", err)
	}
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("connPipe: dial: %v", err)
	}
	<-accepted
	return NewConnection(client, 1), NewConnection(server, 0)
}

func TestDispatcherAsyncReadWrite(t *testing.T) {
	a, b := connPipe(t)
	defer a.Close()
	defer b.Close()

	d := NewDispatcher()
	defer d.Terminate()

	var wg sync.WaitGroup
	wg.Add(2)

	var writeErr error
	d.AsyncWrite(a, []byte("ping"), func(err error) {
		writeErr = err
		wg.Done()
	})

	var readData []byte
	var readErr error
	d.AsyncRead(b, 4, func(data []byte, err error) {
		readData = data
		readErr = err
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AsyncRead/AsyncWrite completions")
	}

	if writeErr != nil {
		t.Fatalf("AsyncWrite callback err: %v", writeErr)
	}
	if readErr != nil {
		t.Fatalf("AsyncRead callback err: %v", readErr)
	}
	if string(readData) != "ping" {
		t.Fatalf("AsyncRead got %q, want %q", readData, "ping")
	}
}

func TestDispatcherAddTimerReschedules(t *testing.T) {
	d := NewDispatcher()
	defer d.Terminate()

	fired := make(chan struct{}, 10)
	var mu sync.Mutex
	count := 0
	d.AddTimer(5*time.Millisecond, func() bool {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		fired <- struct{}{}
		return n < 3
	})

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("timer fired %d times, want 3", i)
		}
	}
}

func TestDispatcherCancelDropsCompletion(t *testing.T) {
	a, b := connPipe(t)
	defer a.Close()
	defer b.Close()

	d := NewDispatcher()
	defer d.Terminate()

	called := make(chan struct{}, 1)
	d.AsyncRead(b, 4, func(data []byte, err error) {
		called <- struct{}{}
	})
	d.Cancel(b)

	if _, err := a.SendOne([]byte("ping")); err != nil {
		t.Fatalf("SendOne: %v", err)
	}
	_ = a.SyncSend([]byte("ing"))

	select {
	case <-called:
		t.Fatal("callback invoked after Cancel, want dropped")
	case <-time.After(200 * time.Millisecond):
	}
}
