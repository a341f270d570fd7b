package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// Paths names the four on-disk snapshot files under a tracker's data
// directory (spec §6 "On-disk layouts").
type Paths struct {
	Groups         string // storage_groups.dat
	Servers        string // storage_servers.dat
	SyncTimestamps string // storage_sync_timestamp.dat
	Changelog      string // storage_changelog.dat
}

// DefaultPaths returns the standard four snapshot file paths rooted at
// dataDir.
func DefaultPaths(dataDir string) Paths {
	return Paths{
		Groups:         filepath.Join(dataDir, "storage_groups.dat"),
		Servers:        filepath.Join(dataDir, "storage_servers.dat"),
		SyncTimestamps: filepath.Join(dataDir, "storage_sync_timestamp.dat"),
		Changelog:      filepath.Join(dataDir, "storage_changelog.dat"),
	}
}

// Save snapshots the whole registry to the four files in paths, each via
// a new-file-then-rename so a crash mid-write never corrupts the
// previous snapshot.
func (r *Registry) Save(paths Paths) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := writeAtomic(paths.Groups, func(w *bufio.Writer) error {
		for _, g := range r.groups {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n",
				g.Name, g.StorePathCount, g.TrunkServerID, g.CurrentWriteServer, g.LastChangeSeq)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := writeAtomic(paths.Servers, func(w *bufio.Writer) error {
		for _, s := range r.storages {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\n",
				s.ID, s.IP, s.Port, s.Group, int(s.Status), s.JoinTime.Unix())
		}
		return nil
	}); err != nil {
		return err
	}

	if err := writeAtomic(paths.SyncTimestamps, func(w *bufio.Writer) error {
		for _, s := range r.storages {
			for peer, ts := range s.LastSyncedAt {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.ID, peer, ts.Unix())
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := writeAtomic(paths.Changelog, func(w *bufio.Writer) error {
		for _, e := range r.changelog {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\n", e.Seq, e.Timestamp, e.StorageID, int(e.Before), int(e.After))
		}
		return nil
	}); err != nil {
		return err
	}

	return nil
}

// Load rebuilds the registry from a prior Save, replacing all current
// in-memory state. A missing file is treated as an empty set, so a
// first-ever startup is not an error.
func (r *Registry) Load(paths Paths) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string]*ftype.Group)
	if err := readLines(paths.Groups, func(line string) error {
		f := strings.Split(line, "\t")
		if len(f) != 5 {
			return fmt.Errorf("bad group record %q: %w", line, ferr.Protocol)
		}
		storePathCount, err1 := strconv.Atoi(f[1])
		writeServer, err2 := strconv.Atoi(f[3])
		seq, err3 := strconv.ParseInt(f[4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("bad group record %q: %w", line, ferr.Protocol)
		}
		groups[f[0]] = &ftype.Group{
			Name: f[0], StorePathCount: storePathCount, TrunkServerID: f[2],
			CurrentWriteServer: writeServer, LastChangeSeq: seq,
		}
		return nil
	}); err != nil {
		return err
	}

	storages := make(map[string]*ftype.StorageServer)
	if err := readLines(paths.Servers, func(line string) error {
		f := strings.Split(line, "\t")
		if len(f) != 6 {
			return fmt.Errorf("bad storage record %q: %w", line, ferr.Protocol)
		}
		port, err1 := strconv.Atoi(f[2])
		status, err2 := strconv.Atoi(f[4])
		joinUnix, err3 := strconv.ParseInt(f[5], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("bad storage record %q: %w", line, ferr.Protocol)
		}
		storages[f[0]] = &ftype.StorageServer{
			ID: f[0], IP: f[1], Port: port, Group: f[3],
			Status: ftype.StorageStatus(status), JoinTime: time.Unix(joinUnix, 0),
			LastSyncedAt: make(map[string]time.Time),
		}
		if g, ok := groups[f[3]]; ok {
			g.StoreIDs = append(g.StoreIDs, f[0])
		}
		return nil
	}); err != nil {
		return err
	}

	if err := readLines(paths.SyncTimestamps, func(line string) error {
		f := strings.Split(line, "\t")
		if len(f) != 3 {
			return fmt.Errorf("bad sync-timestamp record %q: %w", line, ferr.Protocol)
		}
		ts, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad sync-timestamp record %q: %w", line, ferr.Protocol)
		}
		if s, ok := storages[f[0]]; ok {
			s.LastSyncedAt[f[1]] = time.Unix(ts, 0)
		}
		return nil
	}); err != nil {
		return err
	}

	var changelog []ftype.ChangeLogEntry
	var maxSeq int64
	if err := readLines(paths.Changelog, func(line string) error {
		f := strings.Split(line, "\t")
		if len(f) != 5 {
			return fmt.Errorf("bad changelog record %q: %w", line, ferr.Protocol)
		}
		seq, err1 := strconv.ParseInt(f[0], 10, 64)
		ts, err2 := strconv.ParseInt(f[1], 10, 64)
		before, err3 := strconv.Atoi(f[3])
		after, err4 := strconv.Atoi(f[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return fmt.Errorf("bad changelog record %q: %w", line, ferr.Protocol)
		}
		changelog = append(changelog, ftype.ChangeLogEntry{
			Seq: seq, Timestamp: ts, StorageID: f[2],
			Before: ftype.StorageStatus(before), After: ftype.StorageStatus(after),
		})
		if seq > maxSeq {
			maxSeq = seq
		}
		return nil
	}); err != nil {
		return err
	}

	r.groups = groups
	r.storages = storages
	r.changelog = changelog
	r.nextSeq = maxSeq
	return nil
}

func writeAtomic(path string, write func(w *bufio.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, ferr.Internal)
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", tmp, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, ferr.Internal)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, ferr.Internal)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, ferr.Internal)
	}
	return nil
}

func readLines(path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, ferr.Internal)
	}
	return nil
}
