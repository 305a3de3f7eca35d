// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testutil provides small, dependency-free helpers shared across
// the test suites of every package in the engine: deferred cleanup lists,
// ephemeral HTTP servers, temp files, and polling assertions for
// eventually-consistent async behavior.
package testutil

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"time"
)

// Cleanup is an ordered list of teardown functions. Zero value is ready to
// use; Add appends functions in the order resources are acquired, and Run
// executes them in reverse (LIFO) order.
type Cleanup struct {
	fns []func()
}

// Add appends f to the cleanup list.
func (c *Cleanup) Add(f func()) {
	c.fns = append(c.fns, f)
}

// Run executes every registered cleanup function in reverse order.
func (c *Cleanup) Run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

// Recover runs the cleanup list if the calling function is panicking, then
// re-panics. Intended for use via `defer cleanup.Recover()` in fixtures that
// build up state incrementally and may fail partway through.
func (c *Cleanup) Recover() {
	if r := recover(); r != nil {
		c.Run()
		panic(r)
	}
}

// StartServer starts an httptest server with h and returns its address and
// a function to shut it down.
func StartServer(h http.Handler) (addr string, stop func()) {
	s := httptest.NewServer(h)
	return s.Listener.Addr().String(), s.Close
}

// TempFile writes b to a new temporary file and returns its path and a
// cleanup function that removes it.
func TempFile(b []byte) (path string, remove func()) {
	f, err := ioutil.TempFile("", "testutil")
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		panic(err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }
}

// PollUntilTrue polls condition every 10ms until it returns true, or returns
// an error once timeout elapses.
func PollUntilTrue(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return errTimeout{timeout}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type errTimeout struct {
	timeout time.Duration
}

func (e errTimeout) Error() string {
	return "condition not met within " + e.timeout.String()
}
