// Package kernelmon bridges the controller to the runtime_monitor kernel
// module: ioctl registration of process groups and the netlink channel on
// which the kernel reports long-running workloads and the controller
// acknowledges completed profiles.
package kernelmon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NetlinkFamily is the module's user netlink protocol number.
const NetlinkFamily = 31

// nlHeaderLen is the fixed netlink message header size:
// (u32 len, u16 type, u16 flags, u32 seq, u32 pid).
const nlHeaderLen = 16

// ErrBadEvent is returned for netlink payloads that do not parse as a
// kernel event. Callers log and continue.
var ErrBadEvent = errors.New("kernelmon: malformed kernel event")

// ioctl request layout: dir<<30 | size<<16 | type<<8 | nr.
func iow(nr, size uintptr) uintptr {
	const dirWrite = 1
	return dirWrite<<30 | size<<16 | 'k'<<8 | nr
}

// runtime_monitor requests. ADD_PGID carries (i32 pgid, i32 jobid,
// i32 workers); the rest carry a single i32.
var (
	reqAddPGID        = iow(0, 12)
	reqRemovePGID     = iow(1, 4)
	reqSetThreshold   = iow(2, 4)
	reqSetDataLoader  = iow(3, 4)
	reqRequestProfile = iow(4, 4) // reserved; the controller profiles via TCP
)

// Event is one "workload became long-running" notification.
type Event struct {
	PGID    int32
	Elapsed int32 // seconds the group has been running
	JobID   int32
}

// ParseEvent decodes the kernel's ASCII "pgid,elapsed,jobid" payload,
// NUL-terminated.
func ParseEvent(payload []byte) (Event, error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	parts := strings.Split(string(payload), ",")
	if len(parts) != 3 {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, payload)
	}
	var vals [3]int32
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %q: %v", ErrBadEvent, payload, err)
		}
		vals[i] = int32(v)
	}
	return Event{PGID: vals[0], Elapsed: vals[1], JobID: vals[2]}, nil
}

// buildAck packs the profile acknowledgement for one PGID: a netlink
// header (type 0, flags 0) followed by the packed i32.
func buildAck(pgid int32, senderPID uint32) []byte {
	msg := make([]byte, nlHeaderLen+4)
	binary.LittleEndian.PutUint32(msg[0:], uint32(len(msg))) // len
	binary.LittleEndian.PutUint16(msg[4:], 0)                // type
	binary.LittleEndian.PutUint16(msg[6:], 0)                // flags
	binary.LittleEndian.PutUint32(msg[8:], 0)                // seq
	binary.LittleEndian.PutUint32(msg[12:], senderPID)       // pid
	binary.LittleEndian.PutUint32(msg[nlHeaderLen:], uint32(pgid))
	return msg
}
