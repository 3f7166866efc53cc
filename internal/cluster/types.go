package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Commands understood by directory servers and storage nodes.
const (
	CmdRegister  = "REGISTER"
	CmdNewFile   = "NEWFILE"
	CmdConnect   = "CONNECT"
	CmdFileList  = "FILELIST"
	CmdState     = "STATE"
	CmdHeartbeat = "HEARTBEAT"
	CmdUpload    = "UPLOAD"
	CmdDownload  = "DOWNLOAD"
)

// Response commands.
const (
	CmdSuccess = "SUCCESS"
	CmdFail    = "FAIL"
)

// Failure reasons shared by servers and clients.
const (
	ReasonBadRequest   = "Bad request" // unrecognized command or malformed items
	ReasonFileExists   = "file already exists"
	ReasonFileNotFound = "file not found"
	ReasonNoLiveNode   = "no storage node available"
)

// ErrUnreachable marks connectivity failures: the peer could not be dialed,
// the exchange broke off, or the reply could not be read.
var ErrUnreachable = errors.New("peer unreachable")

// NodeAddress identifies a storage node or directory server.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns the registry key form host:port.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("parse address %q: missing host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

// FileRecord is the metadata of a stored file. Names are unique system-wide
// and the size never changes once the record exists.
type FileRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message is the unit of every exchange: a command name plus an ordered list
// of JSON-encoded payload items.
type Message struct {
	Command string            `json:"command"`
	Items   []json.RawMessage `json:"items,omitempty"`
}

// NewMessage encodes items in order behind command.
func NewMessage(command string, items ...any) (Message, error) {
	m := Message{Command: command}
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s item %d: %w", command, i, err)
		}
		m.Items = append(m.Items, raw)
	}
	return m, nil
}

// Success builds a SUCCESS response. An item that cannot be encoded turns the
// response into a failure.
func Success(items ...any) Message {
	m, err := NewMessage(CmdSuccess, items...)
	if err != nil {
		return Failure(err.Error())
	}
	return m
}

// Failure builds a FAIL response carrying reason.
func Failure(reason string) Message {
	raw, _ := json.Marshal(reason)
	return Message{Command: CmdFail, Items: []json.RawMessage{raw}}
}

// Item decodes the i-th payload item into out.
func (m Message) Item(i int, out any) error {
	if i < 0 || i >= len(m.Items) {
		return fmt.Errorf("%s: missing item %d (have %d)", m.Command, i, len(m.Items))
	}
	if err := json.Unmarshal(m.Items[i], out); err != nil {
		return fmt.Errorf("%s: decode item %d: %w", m.Command, i, err)
	}
	return nil
}

// OK reports whether m is a SUCCESS response.
func (m Message) OK() bool {
	return m.Command == CmdSuccess
}

// Err converts a FAIL response into a *RemoteError. Any response other than
// SUCCESS is treated as a failure.
func (m Message) Err() error {
	if m.OK() {
		return nil
	}
	var reason string
	if err := m.Item(0, &reason); err != nil || reason == "" {
		reason = fmt.Sprintf("unexpected response %q", m.Command)
	}
	return &RemoteError{Reason: reason}
}

// RemoteError is an application-level rejection returned by a peer.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Reason
}

// IsUnreachable reports whether err is a connectivity failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
