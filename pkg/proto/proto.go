// Package proto defines the numeric wire command codes shared by
// trackers and storage servers (spec §6). Names follow the source's
// logical command names; values only need to be internally consistent
// since every peer in a deployment runs this same package.
package proto

// Tracker-side commands.
const (
	CmdServiceQueryStoreWithoutGroupOne byte = iota + 1
	CmdServiceQueryStoreWithoutGroupAll
	CmdServiceQueryStoreWithGroupOne
	CmdServiceQueryStoreWithGroupAll
	CmdServiceQueryFetchOne
	CmdServiceQueryFetchAll
	CmdServiceQueryUpdate
	CmdServerListAllGroups
	CmdServerListOneGroup
	CmdServerListStorage
	CmdServerDeleteGroup
	CmdServerDeleteStorage
	CmdServerSetTrunkServer
	CmdStorageBeat
	CmdStorageReportIPChanged
	CmdStorageReportStatus
	CmdStorageReportTrunkFree
	CmdStorageGetStatus
	CmdStorageGetServerID
)

// Storage-side commands, reached after tracker routing.
const (
	CmdUploadFile byte = iota + 64
	CmdUploadAppenderFile
	CmdUploadSlaveFile
	CmdDeleteFile
	CmdSetMetadata
	CmdGetMetadata
	CmdQueryFileInfo
	CmdDownloadFile
	CmdAppendFile
	CmdModifyFile
	CmdTruncateFile
	CmdRegenerateAppenderFilename
	CmdTrunkAllocSpace
	CmdTrunkAllocConfirm
	CmdTrunkFreeSpace
)

// Peer-to-peer binlog sync commands (spec §4.5, §4.9). The trunk binlog
// reuses the same two commands over a connection whose endpoint happens
// to be a trunk server, distinguished by which mark file the sync
// worker loaded (spec §4.9 "mirrors §4.5 semantics").
const (
	CmdSyncBinlog byte = iota + 128
	CmdTruncateBinlogFile
	CmdActiveTest
)
