// Command fdfsadm is an operator CLI for a running cluster: it talks
// the same wire protocol storage servers use to report to a tracker
// (spec §6, §9), issuing the admin query and mutation commands a
// tracker exposes over that same listener.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/spf13/cobra"
)

const (
	groupField   = 16
	storageField = ftype.StorageIDMaxSize
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fdfsadm",
	Short:   "Administer a FastDFS-compatible cluster",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("tracker", "127.0.0.1:22122", "tracker address to query")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(groupCmd, storageCmd, storeCmd)

	groupCmd.AddCommand(groupListCmd, groupInspectCmd, groupDeleteCmd)
	storageCmd.AddCommand(storageListCmd, storageDeleteCmd, storageSetTrunkServerCmd)
}

func dialTracker(cmd *cobra.Command) (*frame.Conn, error) {
	addr, _ := cmd.Flags().GetString("tracker")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to tracker %s: %w", addr, err)
	}
	return frame.NewConn(nc, timeout, 0), nil
}

func roundTrip(cmd *cobra.Command, command byte, body []byte) ([]byte, error) {
	conn, err := dialTracker(cmd)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SendRequest(command, body); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	status, resp, err := conn.RecvResponse(0)
	if err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	if status != 0 {
		return nil, fmt.Errorf("tracker returned status %d (%s)", status, statusName(status))
	}
	return resp, nil
}

// Group commands.

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Inspect and manage replication groups",
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List every group in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := roundTrip(cmd, proto.CmdServerListAllGroups, nil)
		if err != nil {
			return err
		}
		groups, err := decodeGroups(resp)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("no groups found")
			return nil
		}
		fmt.Printf("%-16s %-10s %-12s %-16s %s\n", "NAME", "STORAGES", "STORE PATHS", "TRUNK SERVER", "WRITE CURSOR")
		for _, g := range groups {
			fmt.Printf("%-16s %-10d %-12d %-16s %d\n", g.name, g.storageCount, g.storePathCount, emptyDash(g.trunkServerID), g.currentWriteServer)
		}
		return nil
	},
}

var groupInspectCmd = &cobra.Command{
	Use:   "inspect NAME",
	Short: "Show one group's detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := frame.PackFixed(nil, args[0], groupField)
		resp, err := roundTrip(cmd, proto.CmdServerListOneGroup, body)
		if err != nil {
			return err
		}
		g, _, err := decodeGroup(resp)
		if err != nil {
			return err
		}
		fmt.Printf("Name: %s\n", g.name)
		fmt.Printf("Storages: %d\n", g.storageCount)
		fmt.Printf("Store paths: %d\n", g.storePathCount)
		fmt.Printf("Trunk server: %s\n", emptyDash(g.trunkServerID))
		fmt.Printf("Write cursor: %d\n", g.currentWriteServer)
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:     "delete NAME",
	Aliases: []string{"rm"},
	Short:   "Delete an empty group (refused while it has storage servers)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := frame.PackFixed(nil, args[0], groupField)
		if _, err := roundTrip(cmd, proto.CmdServerDeleteGroup, body); err != nil {
			return err
		}
		fmt.Printf("✓ group %s deleted\n", args[0])
		return nil
	},
}

// Storage commands.

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect and manage storage servers",
}

var storageListCmd = &cobra.Command{
	Use:     "list [GROUP]",
	Aliases: []string{"ls"},
	Short:   "List storage servers, optionally filtered to one group",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := ""
		if len(args) == 1 {
			group = args[0]
		}
		body := frame.PackFixed(nil, group, groupField)
		resp, err := roundTrip(cmd, proto.CmdServerListStorage, body)
		if err != nil {
			return err
		}
		storages, err := decodeStorages(resp)
		if err != nil {
			return err
		}
		if len(storages) == 0 {
			fmt.Println("no storage servers found")
			return nil
		}
		fmt.Printf("%-16s %-16s %-22s %-8s %-10s %-10s %s\n", "ID", "GROUP", "ADDRESS", "STATUS", "TOTAL MB", "FREE MB", "TRUNK")
		for _, st := range storages {
			addr := net.JoinHostPort(st.ip, strconv.Itoa(int(st.port)))
			trunk := ""
			if st.isTrunkServer {
				trunk = "yes"
			}
			fmt.Printf("%-16s %-16s %-22s %-8s %-10d %-10d %s\n", st.id, st.group, addr, ftype.StorageStatus(st.status), st.totalMB, st.freeMB, trunk)
		}
		return nil
	},
}

var storageDeleteCmd = &cobra.Command{
	Use:     "delete GROUP STORAGE_ID",
	Aliases: []string{"rm"},
	Short:   "Remove a storage server from its group",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := frame.PackFixed(nil, args[0], groupField)
		body = frame.PackFixed(body, args[1], storageField)
		if _, err := roundTrip(cmd, proto.CmdServerDeleteStorage, body); err != nil {
			return err
		}
		fmt.Printf("✓ storage %s removed from group %s\n", args[1], args[0])
		return nil
	},
}

var storageSetTrunkServerCmd = &cobra.Command{
	Use:   "set-trunk-server GROUP STORAGE_ID",
	Short: "Designate a storage server as its group's trunk server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := frame.PackFixed(nil, args[0], groupField)
		body = frame.PackFixed(body, args[1], storageField)
		if _, err := roundTrip(cmd, proto.CmdServerSetTrunkServer, body); err != nil {
			return err
		}
		fmt.Printf("✓ %s is now the trunk server for group %s\n", args[1], args[0])
		return nil
	},
}

// Store-query command, mirroring what an upload client does to pick a
// target before actually sending file bytes.

var storeCmd = &cobra.Command{
	Use:   "query-store [GROUP]",
	Short: "Show which storage server an upload would be routed to",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withGroup := len(args) == 1
		command := proto.CmdServiceQueryStoreWithoutGroupOne
		var body []byte
		if withGroup {
			command = proto.CmdServiceQueryStoreWithGroupOne
			body = frame.PackFixed(nil, args[0], groupField)
		}
		resp, err := roundTrip(cmd, command, body)
		if err != nil {
			return err
		}
		target, _, err := decodeStoreTarget(resp)
		if err != nil {
			return err
		}
		fmt.Printf("Group: %s\n", target.group)
		fmt.Printf("Address: %s\n", net.JoinHostPort(target.ip, strconv.Itoa(int(target.port))))
		fmt.Printf("Store path index: %d\n", target.pathIndex)
		return nil
	},
}

// Wire decoders, mirroring pkg/trackerd/handlers.go's encoders.

type groupInfo struct {
	name               string
	storageCount       int32
	storePathCount     int32
	trunkServerID      string
	currentWriteServer int32
}

func decodeGroup(b []byte) (groupInfo, []byte, error) {
	name, rest, err := frame.UnpackFixed(b, groupField)
	if err != nil {
		return groupInfo{}, nil, err
	}
	storageCount, err := frame.UnpackInt32(rest)
	if err != nil {
		return groupInfo{}, nil, err
	}
	rest = rest[4:]
	storePathCount, err := frame.UnpackInt32(rest)
	if err != nil {
		return groupInfo{}, nil, err
	}
	rest = rest[4:]
	trunkServerID, rest, err := frame.UnpackFixed(rest, storageField)
	if err != nil {
		return groupInfo{}, nil, err
	}
	writeServer, err := frame.UnpackInt32(rest)
	if err != nil {
		return groupInfo{}, nil, err
	}
	rest = rest[4:]
	return groupInfo{
		name:               name,
		storageCount:       storageCount,
		storePathCount:     storePathCount,
		trunkServerID:      trunkServerID,
		currentWriteServer: writeServer,
	}, rest, nil
}

func decodeGroups(b []byte) ([]groupInfo, error) {
	count, err := frame.UnpackInt32(b)
	if err != nil {
		return nil, err
	}
	rest := b[4:]
	out := make([]groupInfo, 0, count)
	for i := int32(0); i < count; i++ {
		g, next, err := decodeGroup(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
		rest = next
	}
	return out, nil
}

type storageInfo struct {
	id            string
	ip            string
	port          int32
	group         string
	status        byte
	joinTime      int64
	lastHeartbeat int64
	totalMB       int64
	freeMB        int64
	isTrunkServer bool
}

func decodeStorage(b []byte) (storageInfo, []byte, error) {
	id, rest, err := frame.UnpackFixed(b, storageField)
	if err != nil {
		return storageInfo{}, nil, err
	}
	nul := indexZero(rest)
	if nul < 0 {
		return storageInfo{}, nil, fmt.Errorf("malformed storage entry: %w", ferr.Protocol)
	}
	ip := string(rest[:nul])
	rest = rest[nul+1:]

	port, err := frame.UnpackInt32(rest)
	if err != nil {
		return storageInfo{}, nil, err
	}
	rest = rest[4:]

	group, rest, err := frame.UnpackFixed(rest, groupField)
	if err != nil {
		return storageInfo{}, nil, err
	}
	if len(rest) < 1 {
		return storageInfo{}, nil, fmt.Errorf("malformed storage entry: %w", ferr.Protocol)
	}
	status := rest[0]
	rest = rest[1:]

	joinTime, err := frame.UnpackInt64(rest)
	if err != nil {
		return storageInfo{}, nil, err
	}
	rest = rest[8:]
	lastHeartbeat, err := frame.UnpackInt64(rest)
	if err != nil {
		return storageInfo{}, nil, err
	}
	rest = rest[8:]
	totalMB, err := frame.UnpackInt64(rest)
	if err != nil {
		return storageInfo{}, nil, err
	}
	rest = rest[8:]
	freeMB, err := frame.UnpackInt64(rest)
	if err != nil {
		return storageInfo{}, nil, err
	}
	rest = rest[8:]
	if len(rest) < 1 {
		return storageInfo{}, nil, fmt.Errorf("malformed storage entry: %w", ferr.Protocol)
	}
	isTrunk := rest[0] != 0
	rest = rest[1:]

	return storageInfo{
		id: id, ip: ip, port: port, group: group, status: status,
		joinTime: joinTime, lastHeartbeat: lastHeartbeat,
		totalMB: totalMB, freeMB: freeMB, isTrunkServer: isTrunk,
	}, rest, nil
}

func decodeStorages(b []byte) ([]storageInfo, error) {
	count, err := frame.UnpackInt32(b)
	if err != nil {
		return nil, err
	}
	rest := b[4:]
	out := make([]storageInfo, 0, count)
	for i := int32(0); i < count; i++ {
		st, next, err := decodeStorage(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
		rest = next
	}
	return out, nil
}

type storeTargetInfo struct {
	group     string
	ip        string
	port      int32
	pathIndex int32
}

func decodeStoreTarget(b []byte) (storeTargetInfo, []byte, error) {
	group, rest, err := frame.UnpackFixed(b, groupField)
	if err != nil {
		return storeTargetInfo{}, nil, err
	}
	nul := indexZero(rest)
	if nul < 0 {
		return storeTargetInfo{}, nil, fmt.Errorf("malformed store target: %w", ferr.Protocol)
	}
	ip := string(rest[:nul])
	rest = rest[nul+1:]

	port, err := frame.UnpackInt32(rest)
	if err != nil {
		return storeTargetInfo{}, nil, err
	}
	rest = rest[4:]
	pathIndex, err := frame.UnpackInt32(rest)
	if err != nil {
		return storeTargetInfo{}, nil, err
	}
	rest = rest[4:]
	return storeTargetInfo{group: group, ip: ip, port: port, pathIndex: pathIndex}, rest, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// statusName gives a human name to the handful of ferr.Kind statuses a
// tracker can return, for friendlier CLI error output.
func statusName(status byte) string {
	for _, k := range []*ferr.Kind{ferr.Transport, ferr.Protocol, ferr.NotFound, ferr.AlreadyExist, ferr.Busy, ferr.Exhausted, ferr.InvalidState, ferr.Internal, ferr.Timeout} {
		if k.Status() == status {
			return k.Error()
		}
	}
	return "unknown"
}

func emptyDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return s
}
