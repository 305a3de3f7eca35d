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
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/networkevent"
	"github.com/dltorrent/engine/lib/torrent/scheduler"
	"github.com/dltorrent/engine/lib/torrent/scheduler/torrentlog"
	"github.com/dltorrent/engine/lib/torrent/storage/agentstorage"
	"github.com/dltorrent/engine/tracker"
	"github.com/dltorrent/engine/utils/log"
)

// Engine errors.
var (
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrEngineStopped   = errors.New("engine has been stopped")
	ErrUnknownAction   = errors.New("unknown torrent action")
)

// Action is a TorrentAction command's requested transition.
type Action int

// Actions a TorrentAction command may request.
const (
	ActionStart Action = iota
	ActionStop
	ActionDelete
)

// TorrentHandle is returned from AddTorrent: the caller's handle onto a
// newly spawned torrent controller.
type TorrentHandle struct {
	ID       uint64
	InfoHash core.InfoHash
}

// TorrentView is one row of a TorrentList response.
type TorrentView struct {
	ID       uint64
	Name     string
	Received int64
	Uploaded int64
	Length   int64
	Active   bool
}

// torrentEntry is the engine's bookkeeping for one managed torrent.
type torrentEntry struct {
	id         uint64
	controller *scheduler.Controller
	name       string
}

// Engine is the process-wide actor (C9): it owns every scheduler.Controller
// in the process, accepts add/list/action commands, and demultiplexes
// incoming connections across them by info hash.
type Engine struct {
	config  Config
	pctx    core.PeerContext
	clk     clock.Clock
	archive *agentstorage.TorrentArchive

	handshaker *conn.Handshaker
	netevents  networkevent.Producer
	tlog       *torrentlog.Logger
	logger     *zap.SugaredLogger

	listener net.Listener

	nextID *atomic.Uint64

	mu         sync.Mutex
	byID       map[uint64]*torrentEntry
	byInfoHash map[core.InfoHash]*torrentEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates and starts an Engine: it begins listening for incoming peer
// connections immediately, though no torrents are managed until AddTorrent
// is called.
func New(config Config) (*Engine, error) {
	config = config.applyDefaults()

	logger, err := log.New(config.Log, nil)
	if err != nil {
		return nil, fmt.Errorf("log: %s", err)
	}
	slogger := logger.Sugar()

	pctx, err := core.NewPeerContext(config.PeerIDFactory, config.IP, config.Port)
	if err != nil {
		return nil, fmt.Errorf("peer context: %s", err)
	}

	netevents, err := networkevent.NewProducer(config.NetworkEvent)
	if err != nil {
		return nil, fmt.Errorf("network event producer: %s", err)
	}

	tlog, err := torrentlog.New(config.TorrentLog, pctx)
	if err != nil {
		return nil, fmt.Errorf("torrent log: %s", err)
	}

	archive := agentstorage.NewTorrentArchive(config.Storage, tally.NoopScope)

	e := &Engine{
		config:     config,
		pctx:       pctx,
		clk:        clock.New(),
		archive:    archive,
		netevents:  netevents,
		tlog:       tlog,
		logger:     slogger,
		nextID:     atomic.NewUint64(0),
		byID:       make(map[uint64]*torrentEntry),
		byInfoHash: make(map[core.InfoHash]*torrentEntry),
		done:       make(chan struct{}),
	}

	handshaker, err := conn.NewHandshaker(config.Conn, e.clk, pctx.PeerID, e, slogger)
	if err != nil {
		return nil, fmt.Errorf("handshaker: %s", err)
	}
	e.handshaker = handshaker

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", pctx.Port))
	if err != nil {
		return nil, fmt.Errorf("listen: %s", err)
	}
	e.listener = l

	e.wg.Add(1)
	go e.listenLoop()

	return e, nil
}

// Stop closes the listener and tears down every managed torrent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.listener.Close()
		e.wg.Wait()

		e.mu.Lock()
		entries := make([]*torrentEntry, 0, len(e.byID))
		for _, t := range e.byID {
			entries = append(entries, t)
		}
		e.mu.Unlock()

		for _, t := range entries {
			t.controller.Stop()
		}

		e.tlog.Sync()
	})
}

// listenLoop accepts incoming connections and demultiplexes their
// handshakes across managed torrents by info hash.
func (e *Engine) listenLoop() {
	defer e.wg.Done()

	e.logger.Infof("Engine listening on %s", e.listener.Addr())
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.logger.Infof("Error accepting connection, exiting listen loop: %s", err)
				return
			}
		}
		go e.acceptIncoming(nc)
	}
}

func (e *Engine) acceptIncoming(nc net.Conn) {
	pc, err := e.handshaker.AcceptPending(nc)
	if err != nil {
		e.logger.Infof("Error reading incoming handshake: %s", err)
		nc.Close()
		return
	}

	t, ok := e.lookupByInfoHash(pc.InfoHash())
	if !ok {
		e.logger.Infof("Rejecting incoming handshake for unknown torrent %s", pc.InfoHash())
		pc.Close()
		return
	}
	t.controller.Forward(pc)
}

// ConnClosed implements conn.Events for the engine's single shared
// Handshaker. It routes the notification to whichever controller manages
// the conn's info hash, since the handshaker (and thus this callback) is
// shared across every torrent in the process.
func (e *Engine) ConnClosed(nc *conn.Conn) {
	t, ok := e.lookupByInfoHash(nc.InfoHash())
	if !ok {
		return
	}
	t.controller.ConnClosed(nc)
}

func (e *Engine) lookupByInfoHash(h core.InfoHash) (*torrentEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.byInfoHash[h]
	return t, ok
}

// AddTorrent parses a .torrent file's raw bytes, persists the storage
// layout, allocates a new torrent id, and spawns a controller (C8) for it.
func (e *Engine) AddTorrent(data []byte) (*TorrentHandle, error) {
	meta, err := parseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("parse metainfo: %s", err)
	}

	t, err := e.archive.CreateTorrent(meta.info)
	if err != nil {
		return nil, fmt.Errorf("create torrent: %s", err)
	}

	var trackerClient tracker.Client
	if len(meta.announceURLs) > 0 {
		trackerClient, err = tracker.NewClient(meta.announceURLs[0], e.config.Controller.Tracker)
		if err != nil {
			e.logger.Infof("No tracker client for %s: %s", meta.info.InfoHash, err)
		}
	}

	id := e.nextID.Inc()

	controller := scheduler.NewController(
		e.config.Controller,
		e.clk,
		meta.info.InfoHash,
		e.pctx.PeerID,
		meta.announceURLs,
		trackerClient,
		e.handshaker,
		t,
		meta.info,
		e.netevents,
		e.tlog,
		e.logger)

	entry := &torrentEntry{id: id, controller: controller, name: t.String()}

	e.mu.Lock()
	e.byID[id] = entry
	e.byInfoHash[meta.info.InfoHash] = entry
	e.mu.Unlock()

	controller.Start()
	go e.reapOnDone(entry)

	return &TorrentHandle{ID: id, InfoHash: meta.info.InfoHash}, nil
}

// reapOnDone removes entry from the engine's tables once its controller's
// loops exit, whether from an explicit Stop/Delete or a self-initiated
// seed timeout.
func (e *Engine) reapOnDone(entry *torrentEntry) {
	<-entry.controller.Done()

	e.mu.Lock()
	delete(e.byID, entry.id)
	delete(e.byInfoHash, entry.controller.InfoHash())
	e.mu.Unlock()
}

// TorrentList returns a snapshot view of every managed torrent.
func (e *Engine) TorrentList() []TorrentView {
	e.mu.Lock()
	entries := make([]*torrentEntry, 0, len(e.byID))
	for _, t := range e.byID {
		entries = append(entries, t)
	}
	e.mu.Unlock()

	views := make([]TorrentView, len(entries))
	for i, t := range entries {
		stat := t.controller.Torrent().Stat()
		views[i] = TorrentView{
			ID:       t.id,
			Name:     t.name,
			Received: int64(stat.BytesWrite),
			Uploaded: int64(stat.BytesRead),
			Length:   t.controller.Torrent().Length(),
			Active:   t.controller.NumPeers() > 0,
		}
	}
	return views
}

// TorrentHandshake looks up the torrent named by an incoming handshake's
// info hash. This is the same resolution acceptIncoming performs, exposed
// directly for callers that have already read a handshake off the wire
// themselves.
func (e *Engine) TorrentHandshake(infoHash core.InfoHash) (*TorrentHandle, bool) {
	t, ok := e.lookupByInfoHash(infoHash)
	if !ok {
		return nil, false
	}
	return &TorrentHandle{ID: t.id, InfoHash: infoHash}, true
}

// TorrentAction dispatches a Start/Stop/Delete command to the torrent
// named by id.
func (e *Engine) TorrentAction(id uint64, action Action) error {
	e.mu.Lock()
	entry, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	switch action {
	case ActionStart:
		entry.controller.Start()
		return nil
	case ActionStop:
		entry.controller.Stop()
		return nil
	case ActionDelete:
		entry.controller.Stop()
		h := entry.controller.InfoHash()
		e.mu.Lock()
		delete(e.byID, id)
		delete(e.byInfoHash, h)
		e.mu.Unlock()
		return e.archive.DeleteTorrent(h)
	default:
		return ErrUnknownAction
	}
}
