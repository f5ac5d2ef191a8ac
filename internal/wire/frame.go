// Package wire defines the frames exchanged with the coordinator and with
// workers (spec.md §6) and a small tagged-variant codec for them. The
// socket-level transport itself is out of this spec's scope (spec.md §1,
// "wire-level framed socket transport"); this package only fixes the
// logical frame contents and a concrete, if minimal, on-the-wire
// representation so internal/transport has something real to send.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// WorkerEndpoint is the identity of a reachable worker (spec.md §3).
type WorkerEndpoint struct {
	WorkerID     string
	Host         string
	Port         uint16
	ToolIDs      []string
	TotalThreads uint16
	VersionTag   uint32
}

// SessionBusy is the per-session occupancy census a worker publishes
// about itself (spec.md §4.1, "session-aware busy tracking").
type SessionBusy struct {
	SessionID uint64
	Busy      uint16
}

// WorkerCensus augments WorkerEndpoint with the busy counts a worker
// reports about itself, split per session, plus others aggregated.
type WorkerCensus struct {
	Endpoint    WorkerEndpoint
	BySession   []SessionBusy
	BusyOthers  uint16
}

// SessionInfo mirrors spec.md §3's SessionInfo.
type SessionInfo struct {
	SessionID          uint64
	ClientID           string
	TasksCount         uint64
	FailuresCount      uint64
	TotalNetworkTime   int64 // nanoseconds
	TotalExecutionTime int64 // nanoseconds
	CurrentUsedThreads uint16
	MaxUsedThreads     uint16
	ElapsedTime        int64 // nanoseconds
}

// --- Coordinator frames (spec.md §6) ---

// ListRequest is the (empty) client -> coordinator roster request.
type ListRequest struct{}

// ListResponse is the coordinator -> client roster reply.
type ListResponse struct {
	Workers        []WorkerEndpoint
	LatestSessions []SessionInfo
}

// WorkerStatus is the client(worker-role) -> coordinator census push.
type WorkerStatus struct {
	Census WorkerCensus
}

// SessionUpdate is the client -> coordinator session accounting push.
type SessionUpdate struct {
	Session SessionInfo
	IsFinal bool
}

// --- Worker frames (spec.md §6) ---

// ToolRequest is the client -> worker tool-invocation request.
type ToolRequest struct {
	Invocation      Invocation
	FileData        []byte
	CompressionKind string
	SessionID       uint64
	ClientID        string
}

// ToolResponse is the worker -> client tool-invocation reply.
type ToolResponse struct {
	Result          bool
	Stdout          string
	FileData        []byte
	CompressionKind string
	ExecutionTime   int64 // nanoseconds
}

// Invocation is the tool-id/arguments/file-reference triple spec.md's
// GLOSSARY defines. It is deliberately opaque to tool semantics: the core
// never interprets ToolID or Args beyond routing by ToolID.
type Invocation struct {
	ToolID      string
	Args        []string
	InputPath   string
	OutputPath  string
}

// RequestVersion and ResponseVersion are the protocol version components
// spec.md §6 composes into "request.version + response.version".
const (
	RequestVersion  uint32 = 1
	ResponseVersion uint32 = 1
)

func init() {
	gob.Register(ListRequest{})
	gob.Register(ListResponse{})
	gob.Register(WorkerStatus{})
	gob.Register(SessionUpdate{})
	gob.Register(ToolRequest{})
	gob.Register(ToolResponse{})
}

// frameTag demultiplexes the gob-encoded frame kinds on the wire (spec.md
// §9, "Frame polymorphism ... naturally a tagged variant ... the reader
// demultiplexes on a type tag").
type frameTag uint8

const (
	tagListRequest frameTag = iota + 1
	tagListResponse
	tagWorkerStatus
	tagSessionUpdate
	tagToolRequest
	tagToolResponse
)

func tagOf(frame any) (frameTag, error) {
	switch frame.(type) {
	case ListRequest, *ListRequest:
		return tagListRequest, nil
	case ListResponse, *ListResponse:
		return tagListResponse, nil
	case WorkerStatus, *WorkerStatus:
		return tagWorkerStatus, nil
	case SessionUpdate, *SessionUpdate:
		return tagSessionUpdate, nil
	case ToolRequest, *ToolRequest:
		return tagToolRequest, nil
	case ToolResponse, *ToolResponse:
		return tagToolResponse, nil
	default:
		return 0, fmt.Errorf("wire: unregistered frame type %T", frame)
	}
}

func zeroOf(tag frameTag) (any, error) {
	switch tag {
	case tagListRequest:
		return &ListRequest{}, nil
	case tagListResponse:
		return &ListResponse{}, nil
	case tagWorkerStatus:
		return &WorkerStatus{}, nil
	case tagSessionUpdate:
		return &SessionUpdate{}, nil
	case tagToolRequest:
		return &ToolRequest{}, nil
	case tagToolResponse:
		return &ToolResponse{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame tag %d", tag)
	}
}

// Encode writes a length-prefixed, tagged frame to w: a 4-byte big-endian
// length, a 1-byte tag, then the gob-encoded body.
func Encode(w io.Writer, frame any) error {
	tag, err := tagOf(frame)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(frame); err != nil {
		return fmt.Errorf("wire: encode body: %w", err)
	}

	var header [5]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(body.Len())+1)
	header[4] = byte(tag)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// MaxFrameSize bounds a single frame to guard against a corrupt length
// prefix turning into an unbounded allocation.
const MaxFrameSize = 64 << 20

// Decode reads one length-prefixed, tagged frame from r and returns the
// decoded value as a pointer to its concrete type (e.g. *ListResponse).
func Decode(r io.Reader) (any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("wire: implausible frame length %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	tag := frameTag(buf[0])
	target, err := zeroOf(tag)
	if err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(buf[1:])).Decode(target); err != nil {
		return nil, fmt.Errorf("wire: decode body: %w", err)
	}
	return target, nil
}
