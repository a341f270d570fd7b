package storaged

import (
	"syscall"

	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// pathStats reports each store path's current capacity in MB, the way
// the classic agent polls statvfs before every heartbeat. This is the
// one place storaged reaches for a syscall instead of a pack library:
// no example repo in the corpus vendors a disk-usage package, so this
// stays on the standard library rather than inventing a dependency.
func (s *Server) pathStats() []ftype.StorePath {
	out := make([]ftype.StorePath, 0, len(s.cfg.StorePaths))
	for _, sp := range s.cfg.StorePaths {
		var fs syscall.Statfs_t
		totalMB, freeMB := int64(0), int64(0)
		if err := syscall.Statfs(sp.Root, &fs); err == nil {
			const mb = 1024 * 1024
			totalMB = int64(fs.Blocks) * int64(fs.Bsize) / mb
			freeMB = int64(fs.Bavail) * int64(fs.Bsize) / mb
		} else {
			s.logger.Warn().Err(err).Str("path", sp.Root).Msg("statfs failed")
		}
		out = append(out, ftype.StorePath{Index: sp.Index, Path: sp.Root, TotalMB: totalMB, FreeMB: freeMB})
	}
	return out
}

func encodeStorageBeat(storageID, group string, port int, paths []ftype.StorePath) []byte {
	var b []byte
	b = frame.PackFixed(b, storageID, storageField)
	b = frame.PackFixed(b, group, groupField)
	b = frame.PackInt32(b, int32(port))
	b = frame.PackInt32(b, int32(len(paths)))
	for _, p := range paths {
		b = frame.PackInt32(b, int32(p.Index))
		b = frame.PackInt64(b, p.TotalMB)
		b = frame.PackInt64(b, p.FreeMB)
	}
	return b
}
