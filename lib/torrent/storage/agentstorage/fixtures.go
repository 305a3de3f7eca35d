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
package agentstorage

import (
	"io/ioutil"
	"os"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/utils/testutil"

	"github.com/uber-go/tally"
)

// TorrentArchiveFixture returns a TorrentArchive rooted in a fresh temp
// directory, for testing purposes.
func TorrentArchiveFixture() (*TorrentArchive, func()) {
	dir, err := ioutil.TempDir("", "agentstorage")
	if err != nil {
		panic(err)
	}
	archive := NewTorrentArchive(Config{DownloadDir: dir}, tally.NoopScope)
	return archive, func() { os.RemoveAll(dir) }
}

// TorrentFixture returns an empty Torrent for info, with no pieces written,
// for testing purposes.
func TorrentFixture(info *core.TorrentInfo) (*Torrent, func()) {
	var cleanup testutil.Cleanup
	defer cleanup.Recover()

	archive, c := TorrentArchiveFixture()
	cleanup.Add(c)

	t, err := archive.CreateTorrent(info)
	if err != nil {
		panic(err)
	}

	return t.(*Torrent), cleanup.Run
}
