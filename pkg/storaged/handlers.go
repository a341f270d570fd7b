package storaged

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/fileid"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/storepath"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunkcontainer"
)

// opKind distinguishes UPLOAD_FILE from UPLOAD_APPENDER_FILE. Both land
// on the same on-disk representation; appender status only changes
// whether the tracker's client library will later allow APPEND_FILE
// against the resulting name (spec §6 is silent on a storage-side
// distinction, since append works against any existing file here).
type opKind int

const (
	opKindPlain opKind = iota
	opKindAppender
)

func (s *Server) storeFor(pathIndex int) (*storepath.Store, error) {
	st, ok := s.stores[pathIndex]
	if !ok {
		return nil, fmt.Errorf("no store path with index %d: %w", pathIndex, ferr.NotFound)
	}
	return st, nil
}

func (s *Server) nextSubPath() (int, int) {
	n := atomic.AddInt64(&s.fileSeq, 1)
	return trunkcontainer.SubPath(int(n))
}

// handleUpload implements UPLOAD_FILE / UPLOAD_APPENDER_FILE: body is
// path index(int32) + ext (zstring) + raw payload (the remainder).
func (s *Server) handleUpload(body []byte, kind opKind) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("short upload request: %w", ferr.Protocol)
	}
	pathIndex, err := frame.UnpackInt32(body)
	if err != nil {
		return nil, err
	}
	rest := body[4:]
	nul := indexZero(rest)
	if nul < 0 {
		return nil, fmt.Errorf("upload request missing ext terminator: %w", ferr.Protocol)
	}
	ext := string(rest[:nul])
	payload := rest[nul+1:]

	store, err := s.storeFor(int(pathIndex))
	if err != nil {
		return nil, err
	}
	high, low := s.nextSubPath()
	id := fileid.New(int(pathIndex), high, low, s.cfg.StorageID, int64(len(payload)), ext, nil)
	name := id.Name()

	if _, err := store.Create(high, low, name, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	if err := s.recordCRC32(store.Root(), high, low, name, payload); err != nil {
		s.logger.Warn().Err(err).Str("filename", name).Msg("failed to record checksum")
	}
	s.appendStorageRecord(ftype.OpUpload, name)
	_ = kind // both kinds share the same on-disk path
	return frame.PackZString(nil, name), nil
}

// handleUploadSlave implements UPLOAD_SLAVE_FILE: body is master
// filename(zstring) + prefix(zstring) + ext(zstring) + payload.
// The master/slave association itself is a tracker-side naming
// convention (spec §6 leaves slave linkage to the caller); storaged
// just needs the master's path index to place the slave in the same
// store path.
func (s *Server) handleUploadSlave(body []byte) ([]byte, error) {
	masterNul := indexZero(body)
	if masterNul < 0 {
		return nil, fmt.Errorf("upload-slave request missing master terminator: %w", ferr.Protocol)
	}
	master := string(body[:masterNul])
	rest := body[masterNul+1:]

	prefixNul := indexZero(rest)
	if prefixNul < 0 {
		return nil, fmt.Errorf("upload-slave request missing prefix terminator: %w", ferr.Protocol)
	}
	rest = rest[prefixNul+1:]

	extNul := indexZero(rest)
	if extNul < 0 {
		return nil, fmt.Errorf("upload-slave request missing ext terminator: %w", ferr.Protocol)
	}
	ext := string(rest[:extNul])
	payload := rest[extNul+1:]

	masterID, err := fileid.Parse(master)
	if err != nil {
		return nil, err
	}
	store, err := s.storeFor(masterID.PathIndex)
	if err != nil {
		return nil, err
	}
	high, low := s.nextSubPath()
	id := fileid.New(masterID.PathIndex, high, low, s.cfg.StorageID, int64(len(payload)), ext, nil)
	name := id.Name()

	if _, err := store.Create(high, low, name, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	if err := s.recordCRC32(store.Root(), high, low, name, payload); err != nil {
		s.logger.Warn().Err(err).Str("filename", name).Msg("failed to record checksum")
	}
	s.appendStorageRecord(ftype.OpCreateLink, name)
	return frame.PackZString(nil, name), nil
}

// handleDelete implements DELETE_FILE: body is filename(zstring).
// Deleting is idempotent: an already-absent file is success, matching
// the binlog replay idempotency every sync worker relies on.
func (s *Server) handleDelete(body []byte) ([]byte, error) {
	name, err := zstringOnly(body)
	if err != nil {
		return nil, err
	}
	if err := s.removeStoredFile(name); err != nil {
		return nil, err
	}
	s.appendStorageRecord(ftype.OpDelete, name)
	return nil, nil
}

// removeStoredFile deletes name's bytes (or, for a trunk-backed file,
// frees its slot through this node's trunk allocator) without touching
// the binlog — used both by the request handler and by sync replay.
func (s *Server) removeStoredFile(name string) error {
	id, err := fileid.Parse(name)
	if err != nil {
		return err
	}
	if id.IsTrunk() {
		s.mu.RLock()
		ts, isTrunkServer := s.trunk, s.isTrunkServer
		s.mu.RUnlock()
		if !isTrunkServer || ts == nil {
			return fmt.Errorf("%s is trunk-backed; delete must be routed to the group's trunk server: %w", name, ferr.InvalidState)
		}
		return ts.alloc.Free(*id.Trunk, ts.clock)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return err
	}
	if err := store.Remove(id.SubHigh, id.SubLow, name); err != nil {
		return err
	}
	os.Remove(metadataPath(store.Root(), id.SubHigh, id.SubLow, name))
	return nil
}

// handleDownload implements DOWNLOAD_FILE: body is filename(zstring);
// response is the raw file bytes.
func (s *Server) handleDownload(body []byte) ([]byte, error) {
	name, err := zstringOnly(body)
	if err != nil {
		return nil, err
	}
	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	if id.IsTrunk() {
		return s.downloadTrunkSlot(id)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	f, err := store.Open(id.SubHigh, id.SubLow, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) downloadTrunkSlot(id fileid.ID) ([]byte, error) {
	store, err := s.storeFor(id.Trunk.PathIndex)
	if err != nil {
		return nil, err
	}
	f, err := trunkcontainer.Open(store.Root(), id.Trunk.SubPathHigh, id.Trunk.SubPathLow, id.Trunk.TrunkFileID, s.cfg.TrunkFileSize)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := trunkcontainer.ReadSlotHeader(f, id.Trunk.Offset)
	if err != nil {
		return nil, err
	}
	return trunkcontainer.ReadSlotPayload(f, id.Trunk.Offset, header.FileSize)
}

// handleAppend implements APPEND_FILE: body is filename(zstring) +
// payload (the remainder).
func (s *Server) handleAppend(body []byte) ([]byte, error) {
	nul := indexZero(body)
	if nul < 0 {
		return nil, fmt.Errorf("append request missing filename terminator: %w", ferr.Protocol)
	}
	name := string(body[:nul])
	payload := body[nul+1:]

	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	if id.IsTrunk() {
		return nil, fmt.Errorf("%s is trunk-backed and not appendable: %w", name, ferr.InvalidState)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	if _, err := store.Append(id.SubHigh, id.SubLow, name, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	s.rehashCRC32(store, id.SubHigh, id.SubLow, name)
	s.appendStorageRecord(ftype.OpAppend, name)
	return nil, nil
}

// handleModify implements MODIFY_FILE: body is filename(zstring) +
// offset(int64) + payload (the remainder).
func (s *Server) handleModify(body []byte) ([]byte, error) {
	nul := indexZero(body)
	if nul < 0 {
		return nil, fmt.Errorf("modify request missing filename terminator: %w", ferr.Protocol)
	}
	name := string(body[:nul])
	rest := body[nul+1:]
	offset, err := frame.UnpackInt64(rest)
	if err != nil {
		return nil, err
	}
	payload := rest[8:]

	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	if id.IsTrunk() {
		return nil, fmt.Errorf("%s is trunk-backed and not modifiable in place: %w", name, ferr.InvalidState)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	if _, err := store.WriteAt(id.SubHigh, id.SubLow, name, offset, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	s.rehashCRC32(store, id.SubHigh, id.SubLow, name)
	s.appendStorageRecord(ftype.OpModify, name)
	return nil, nil
}

// handleTruncate implements TRUNCATE_FILE: body is filename(zstring) +
// new size(int64).
func (s *Server) handleTruncate(body []byte) ([]byte, error) {
	nul := indexZero(body)
	if nul < 0 {
		return nil, fmt.Errorf("truncate request missing filename terminator: %w", ferr.Protocol)
	}
	name := string(body[:nul])
	size, err := frame.UnpackInt64(body[nul+1:])
	if err != nil {
		return nil, err
	}

	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	if id.IsTrunk() {
		return nil, fmt.Errorf("%s is trunk-backed and not truncatable: %w", name, ferr.InvalidState)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	if err := store.Truncate(id.SubHigh, id.SubLow, name, size); err != nil {
		return nil, err
	}
	s.rehashCRC32(store, id.SubHigh, id.SubLow, name)
	s.appendStorageRecord(ftype.OpTruncate, name)
	return nil, nil
}

// handleSetMetadata implements SET_METADATA: body is filename(zstring)
// + flag byte (0 = overwrite, 1 = merge) + metadata pairs (the
// remainder, "key=value\n" lines).
func (s *Server) handleSetMetadata(body []byte) ([]byte, error) {
	nul := indexZero(body)
	if nul < 0 {
		return nil, fmt.Errorf("set-metadata request missing filename terminator: %w", ferr.Protocol)
	}
	name := string(body[:nul])
	rest := body[nul+1:]
	if len(rest) < 1 {
		return nil, fmt.Errorf("set-metadata request missing flag byte: %w", ferr.Protocol)
	}
	merge := rest[0] == 1
	incoming := decodeMetadataPairs(rest[1:])

	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	if _, err := store.Stat(id.SubHigh, id.SubLow, name); err != nil {
		return nil, err
	}
	path := metadataPath(store.Root(), id.SubHigh, id.SubLow, name)

	kv := incoming
	if merge {
		existing, err := readMetadata(path)
		if err != nil {
			return nil, err
		}
		for k, v := range incoming {
			existing[k] = v
		}
		kv = existing
	}
	if err := writeMetadata(path, kv); err != nil {
		return nil, err
	}
	s.appendStorageRecord(ftype.OpSetMeta, name)
	return nil, nil
}

// handleGetMetadata implements GET_METADATA: body is filename(zstring).
func (s *Server) handleGetMetadata(body []byte) ([]byte, error) {
	name, err := zstringOnly(body)
	if err != nil {
		return nil, err
	}
	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	if _, err := store.Stat(id.SubHigh, id.SubLow, name); err != nil {
		return nil, err
	}
	kv, err := readMetadata(metadataPath(store.Root(), id.SubHigh, id.SubLow, name))
	if err != nil {
		return nil, err
	}
	delete(kv, crc32Key)
	return encodeMetadataPairs(kv), nil
}

// handleQueryFileInfo implements QUERY_FILE_INFO: body is
// filename(zstring); response is size(int64) + mtime(int64) +
// crc32(int32).
func (s *Server) handleQueryFileInfo(body []byte) ([]byte, error) {
	name, err := zstringOnly(body)
	if err != nil {
		return nil, err
	}
	id, err := fileid.Parse(name)
	if err != nil {
		return nil, err
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	path := store.Path(id.SubHigh, id.SubLow, name)
	fi, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", name, ferr.Internal)
	}
	kv, err := readMetadata(metadataPath(store.Root(), id.SubHigh, id.SubLow, name))
	if err != nil {
		return nil, err
	}
	var crc int64
	fmt.Sscanf(kv[crc32Key], "%d", &crc)

	var b []byte
	b = frame.PackInt64(b, fi.Size())
	b = frame.PackInt64(b, fi.ModTime().Unix())
	b = frame.PackInt32(b, int32(crc))
	return b, nil
}

// handleRegenerateAppenderFilename implements
// REGENERATE_APPENDER_FILENAME: body is old filename(zstring);
// response is the new filename(zstring). The file keeps its bytes and
// fan-out directory; only its logical name (and therefore its
// disambiguator/timestamp) changes.
func (s *Server) handleRegenerateAppenderFilename(body []byte) ([]byte, error) {
	oldName, err := zstringOnly(body)
	if err != nil {
		return nil, err
	}
	id, err := fileid.Parse(oldName)
	if err != nil {
		return nil, err
	}
	if id.IsTrunk() {
		return nil, fmt.Errorf("%s is trunk-backed and has no appender filename to regenerate: %w", oldName, ferr.InvalidState)
	}
	store, err := s.storeFor(id.PathIndex)
	if err != nil {
		return nil, err
	}
	size, err := store.Stat(id.SubHigh, id.SubLow, oldName)
	if err != nil {
		return nil, err
	}
	newID := fileid.New(id.PathIndex, id.SubHigh, id.SubLow, id.SourceStorageID, size, id.Ext, nil)
	newName := newID.Name()

	oldPath := store.Path(id.SubHigh, id.SubLow, oldName)
	newPath := store.Path(id.SubHigh, id.SubLow, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, fmt.Errorf("rename %s to %s: %w", oldName, newName, ferr.Internal)
	}
	os.Rename(metadataPath(store.Root(), id.SubHigh, id.SubLow, oldName), metadataPath(store.Root(), id.SubHigh, id.SubLow, newName))

	s.appendStorageRecord(ftype.OpDelete, oldName)
	s.appendStorageRecord(ftype.OpUpload, newName)
	return frame.PackZString(nil, newName), nil
}

func (s *Server) appendStorageRecord(op ftype.StorageOp, filename string) {
	rec := ftype.StorageBinlogRecord{
		Timestamp: time.Now().Unix(),
		Op:        op,
		Group:     s.cfg.Group,
		Filename:  filename,
		SourceID:  s.cfg.StorageID,
	}
	if _, err := s.binlogW.Append(ftype.EncodeStorageBinlogRecord(rec)); err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("failed to append storage binlog record")
	}
}

func (s *Server) recordCRC32(root string, high, low int, name string, payload []byte) error {
	crc, err := fileCRC32(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return writeMetadata(metadataPath(root, high, low, name), map[string]string{crc32Key: fmt.Sprint(crc)})
}

func (s *Server) rehashCRC32(store *storepath.Store, high, low int, name string) {
	f, err := store.Open(high, low, name)
	if err != nil {
		return
	}
	defer f.Close()
	crc, err := fileCRC32(f)
	if err != nil {
		return
	}
	path := metadataPath(store.Root(), high, low, name)
	kv, err := readMetadata(path)
	if err != nil {
		return
	}
	kv[crc32Key] = fmt.Sprint(crc)
	if err := writeMetadata(path, kv); err != nil {
		s.logger.Warn().Err(err).Str("filename", name).Msg("failed to update checksum")
	}
}

func zstringOnly(body []byte) (string, error) {
	nul := indexZero(body)
	if nul < 0 {
		return "", fmt.Errorf("request missing filename terminator: %w", ferr.Protocol)
	}
	return string(body[:nul]), nil
}
