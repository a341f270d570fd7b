package storaged

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/fileid"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
)

// handleSyncBinlog implements the peer-sync wire command shared by both
// the storage binlog and the trunk binlog (spec §4.5, §4.9): the body is
// one or more newline-terminated records, all in the same format, sent
// by a single worker shipping a single local binlog file. Because both
// binlog kinds travel over the identical command code, a line's record
// is routed by its field count: a storage record is exactly five
// space-separated fields (ftype.DecodeStorageBinlogRecord), a trunk
// record exactly eight (ftype.DecodeTrunkBinlogRecord) — the two
// formats never collide since neither record ever carries that many or
// few fields by accident.
func (s *Server) handleSyncBinlog(body []byte) ([]byte, error) {
	for _, line := range binlog.SplitLines(body) {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 8:
			if err := s.applyTrunkSyncLine(line); err != nil {
				return nil, err
			}
		case 5:
			if err := s.applyStorageSyncLine(line); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unrecognized binlog record %q: %w", line, ferr.Protocol)
		}
	}
	return nil, nil
}

// handleTruncateBinlogFile implements the peer-sync "announce truncate"
// command, sent once by a worker whenever it starts shipping its binlog
// from offset zero (a fresh peer, or one that asked to be reseeded via
// ResetOffset). Every record this storage node replays is already
// idempotent — re-uploading an existing filename just rewrites the same
// bytes, deleting an absent one is a no-op — so there is no local
// bookkeeping to reset here; the announcement is acknowledged and
// logged for operational visibility only.
func (s *Server) handleTruncateBinlogFile(body []byte) ([]byte, error) {
	s.logger.Info().Str("peer", string(body)).Msg("peer announced binlog truncate, resyncing from offset 0")
	return nil, nil
}

// applyTrunkSyncLine replays one trunk binlog record directly into this
// node's free-space index. Only reachable while this node is the
// group's trunk server: a peer only ships its trunk binlog to other
// members holding the same role (spec §4.9).
func (s *Server) applyTrunkSyncLine(line string) error {
	rec, err := ftype.DecodeTrunkBinlogRecord(line)
	if err != nil {
		return err
	}
	ts, err := s.trunkOrErr()
	if err != nil {
		return fmt.Errorf("received trunk sync record while not trunk server: %w", err)
	}
	return ts.alloc.ApplyRecord(rec)
}

// applyStorageSyncLine replays one storage binlog record: this node has
// no byte-range detail for append/modify/truncate (spec §3's storage
// binlog format names only the operation and filename), so every
// content-changing op is replayed by re-fetching the file's current
// full bytes from its source peer and overwriting the local copy —
// simple and always correct, at the cost of re-shipping the whole file
// rather than just the delta.
func (s *Server) applyStorageSyncLine(line string) error {
	rec, err := ftype.DecodeStorageBinlogRecord(line)
	if err != nil {
		return err
	}

	switch rec.Op {
	case ftype.OpDelete, ftype.OpDeleteLink:
		return s.removeStoredFile(rec.Filename)
	case ftype.OpSetMeta:
		return s.replaySetMetadata(rec)
	default:
		return s.replayFileContent(rec)
	}
}

func (s *Server) sourceAddr(sourceID string) (connpool.Key, error) {
	s.mu.RLock()
	p, ok := s.peers[sourceID]
	s.mu.RUnlock()
	if !ok {
		return connpool.Key{}, fmt.Errorf("sync source %q is not a known peer: %w", sourceID, ferr.NotFound)
	}
	return p.Addr, nil
}

func (s *Server) callPeer(addr connpool.Key, cmd byte, body []byte) (byte, []byte, error) {
	conn, err := s.pool.Acquire(addr)
	if err != nil {
		return 0, nil, err
	}
	if err := conn.SendRequest(cmd, body); err != nil {
		s.pool.Release(addr, conn, false)
		return 0, nil, err
	}
	status, resp, err := conn.RecvResponse(0)
	if err != nil {
		s.pool.Release(addr, conn, false)
		return 0, nil, err
	}
	s.pool.Release(addr, conn, true)
	return status, resp, nil
}

// replayFileContent downloads rec.Filename's current bytes from its
// source peer and writes them into this node's matching store path,
// covering OpUpload, OpAppend, OpModify, OpTruncate and OpCreateLink
// identically: whatever the source holds now is what this replica
// should hold now.
func (s *Server) replayFileContent(rec ftype.StorageBinlogRecord) error {
	addr, err := s.sourceAddr(rec.SourceID)
	if err != nil {
		return err
	}
	status, payload, err := s.callPeer(addr, proto.CmdDownloadFile, frame.PackZString(nil, rec.Filename))
	if err != nil {
		return err
	}
	if status == ferr.NotFound.Status() {
		// The source no longer has it either (deleted since this record
		// was logged); nothing to replay.
		return nil
	}
	if status != 0 {
		return fmt.Errorf("download %s from %s for replay: status %d", rec.Filename, rec.SourceID, status)
	}

	id, err := fileid.Parse(rec.Filename)
	if err != nil {
		return err
	}
	if id.IsTrunk() {
		// Trunk-backed content lives inside a container this node does not
		// own unless it is the trunk server; trunk space itself replays
		// through the trunk binlog, not the storage binlog.
		return nil
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return err
	}
	if _, err := store.Create(id.SubHigh, id.SubLow, rec.Filename, bytes.NewReader(payload)); err != nil {
		return err
	}
	return s.recordCRC32(store.Root(), id.SubHigh, id.SubLow, rec.Filename, payload)
}

// replaySetMetadata pulls rec.Filename's current metadata from its
// source peer and overwrites the local sidecar with it.
func (s *Server) replaySetMetadata(rec ftype.StorageBinlogRecord) error {
	addr, err := s.sourceAddr(rec.SourceID)
	if err != nil {
		return err
	}
	status, body, err := s.callPeer(addr, proto.CmdGetMetadata, frame.PackZString(nil, rec.Filename))
	if err != nil {
		return err
	}
	if status == ferr.NotFound.Status() {
		return nil
	}
	if status != 0 {
		return fmt.Errorf("get-metadata %s from %s for replay: status %d", rec.Filename, rec.SourceID, status)
	}

	id, err := fileid.Parse(rec.Filename)
	if err != nil {
		return err
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return err
	}
	kv := decodeMetadataPairs(body)
	existing, err := readMetadata(metadataPath(store.Root(), id.SubHigh, id.SubLow, rec.Filename))
	if err != nil {
		return err
	}
	if crc, ok := existing[crc32Key]; ok {
		kv[crc32Key] = crc
	}
	return writeMetadata(metadataPath(store.Root(), id.SubHigh, id.SubLow, rec.Filename), kv)
}
