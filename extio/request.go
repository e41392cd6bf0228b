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

package extio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Request is an async I/O handle (spec §4.12): a page read or write issued
// against a disk's backing file descriptor via pread/pwrite on a background
// goroutine, completing independently of the issuing worker thread (the
// small I/O thread pool of spec §5). Go's goroutine scheduler already
// multiplexes blocking pread/pwrite cheaply, so unlike thrill's POSIX-AIO
// backend this needs no explicit completion-port plumbing -- only a done
// channel for WaitAll to join on.
type Request struct {
	done chan struct{}
	err  error
}

// postRead issues an async read of len(buf) bytes from fd at offset.
func postRead(fd int, buf []byte, offset int64) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		n, err := unix.Pread(fd, buf, offset)
		if err != nil {
			r.err = fmt.Errorf("extio: pread at %d: %w", offset, err)
			return
		}
		if n != len(buf) {
			r.err = fmt.Errorf("extio: short read at %d: got %d want %d", offset, n, len(buf))
		}
	}()
	return r
}

// postWrite issues an async write of buf to fd at offset.
func postWrite(fd int, buf []byte, offset int64) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		n, err := unix.Pwrite(fd, buf, offset)
		if err != nil {
			r.err = fmt.Errorf("extio: pwrite at %d: %w", offset, err)
			return
		}
		if n != len(buf) {
			r.err = fmt.Errorf("extio: short write at %d: got %d want %d", offset, n, len(buf))
		}
	}()
	return r
}

// Wait blocks until this request completes, returning its error (if any).
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

// WaitAll blocks until every request in reqs completes, returning the first
// error encountered (spec §4.12, "batched WaitAll(requests[]) synchronizes
// completions").
func WaitAll(reqs ...*Request) error {
	var firstErr error
	for _, r := range reqs {
		if err := r.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
