package storaged

import (
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/fileid"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.StorageID = "storage-1"
	cfg.Group = "group1"
	cfg.DataDir = t.TempDir()
	cfg.StorePaths = []StorePathConfig{{Index: 0, Root: t.TempDir()}}
	cfg.NetworkTimeout = 5 * time.Second

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) *frame.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return frame.NewConn(c, 5*time.Second, 0)
}

func uploadBody(pathIndex int, ext string, payload []byte) []byte {
	var b []byte
	b = frame.PackInt32(b, int32(pathIndex))
	b = frame.PackZString(b, ext)
	return append(b, payload...)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	payload := []byte("hello fastdfs")
	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", payload)))
	status, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	nul := indexZero(resp)
	require.GreaterOrEqual(t, nul, 0)
	name := string(resp[:nul])
	require.Contains(t, name, "M00/")

	_, err = fileid.Parse(name)
	require.NoError(t, err)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, name)))
	status, body, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
	require.Equal(t, payload, body)
}

func TestAppendModifyTruncate(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "bin", []byte("abc"))))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	var appendBody []byte
	appendBody = frame.PackZString(appendBody, name)
	appendBody = append(appendBody, []byte("def")...)
	require.NoError(t, conn.SendRequest(proto.CmdAppendFile, appendBody))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, name)))
	_, body, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), body)

	var modifyBody []byte
	modifyBody = frame.PackZString(modifyBody, name)
	modifyBody = frame.PackInt64(modifyBody, 0)
	modifyBody = append(modifyBody, []byte("XYZ")...)
	require.NoError(t, conn.SendRequest(proto.CmdModifyFile, modifyBody))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, name)))
	_, body, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, []byte("XYZdef"), body)

	var truncBody []byte
	truncBody = frame.PackZString(truncBody, name)
	truncBody = frame.PackInt64(truncBody, 3)
	require.NoError(t, conn.SendRequest(proto.CmdTruncateFile, truncBody))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, name)))
	_, body, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, []byte("XYZ"), body)
}

func TestDeleteIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", []byte("x"))))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	require.NoError(t, conn.SendRequest(proto.CmdDeleteFile, frame.PackZString(nil, name)))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdDeleteFile, frame.PackZString(nil, name)))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, name)))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.NotEqual(t, byte(0), status)
}

func TestSetAndGetMetadata(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", []byte("meta me"))))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	var setBody []byte
	setBody = frame.PackZString(setBody, name)
	setBody = append(setBody, 0) // overwrite
	setBody = append(setBody, []byte("author=alice\n")...)
	require.NoError(t, conn.SendRequest(proto.CmdSetMetadata, setBody))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.NoError(t, conn.SendRequest(proto.CmdGetMetadata, frame.PackZString(nil, name)))
	status, body, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
	kv := decodeMetadataPairs(body)
	require.Equal(t, "alice", kv["author"])
	_, hasInternalKey := kv[crc32Key]
	require.False(t, hasInternalKey)
}

func TestQueryFileInfoReportsSizeAndCRC(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	payload := []byte("checksum this")
	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "dat", payload)))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	require.NoError(t, conn.SendRequest(proto.CmdQueryFileInfo, frame.PackZString(nil, name)))
	status, body, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	size, err := frame.UnpackInt64(body)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)

	crc, err := frame.UnpackInt32(body[16:])
	require.NoError(t, err)
	require.Equal(t, int32(crc32.ChecksumIEEE(payload)), crc)
}

func TestRegenerateAppenderFilenameKeepsBytes(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	payload := []byte("appender contents")
	require.NoError(t, conn.SendRequest(proto.CmdUploadAppenderFile, uploadBody(0, "txt", payload)))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	oldName := string(resp[:indexZero(resp)])

	require.NoError(t, conn.SendRequest(proto.CmdRegenerateAppenderFilename, frame.PackZString(nil, oldName)))
	status, resp2, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
	newName := string(resp2[:indexZero(resp2)])
	require.NotEqual(t, oldName, newName)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, newName)))
	status, body, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
	require.Equal(t, payload, body)

	require.NoError(t, conn.SendRequest(proto.CmdDownloadFile, frame.PackZString(nil, oldName)))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.NotEqual(t, byte(0), status)
}

func TestUnknownCommandIsProtocolError(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.SendRequest(0x7f, nil))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.NotEqual(t, byte(0), status)
}
