// Package cluster provides the wire model and transport shared by every
// dirstore process: directory servers, storage nodes and clients.
//
// # Overview
//
// Every interaction in dirstore is a single request/response exchange. A
// caller opens a connection, sends one Message, reads one Message back and
// the connection is closed. There are no persistent or pipelined
// connections: keep-alives are disabled on both ends of the HTTP transport.
//
//	┌──────────┐   POST /rpc {command, items}    ┌──────────────┐
//	│  caller  │ ───────────────────────────────▶│   Handler    │
//	│ (Client) │ ◀─────────────────────────────── │ (Serve/Mux)  │
//	└──────────┘   {SUCCESS|FAIL, items}  close   └──────────────┘
//
// # Messages
//
// A Message carries a command name and an ordered list of JSON-encoded
// payload items. The item layout of each command is fixed:
//
//	REGISTER   addr
//	NEWFILE    origin, FileRecord, bytes   (storage node -> directory)
//	NEWFILE    FileRecord, bytes           (client -> storage node)
//	CONNECT    -
//	FILELIST   -
//	STATE      snapshot
//	HEARTBEAT  -
//	UPLOAD     FileRecord, bytes
//	DOWNLOAD   name
//
// Responses are SUCCESS with command-specific items, or FAIL whose first
// item is a human readable reason.
//
// # Errors
//
// Transport problems (dial, write, read, non-2xx status, undecodable body)
// are reported as errors wrapping ErrUnreachable. Callers treat them as
// connectivity failures: they flip liveness flags or switch endpoints.
// Application rejections come back as FAIL messages and are turned into
// *RemoteError by Message.Err; they are never retried automatically.
//
// # Concurrency
//
// Serve runs one goroutine per accepted connection, bounded by a connection
// limit. Handlers must be safe for concurrent use.
package cluster
