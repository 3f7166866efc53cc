// Package storage holds the bytes of files on a storage node.
//
// Storage nodes never interpret file contents. The directory tier decides
// which files exist and which nodes should hold them; this package only
// reads and writes bytes by file name when an UPLOAD, NEWFILE or DOWNLOAD
// request arrives.
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by sync.RWMutex. It is used
// by tests and by nodes started with NODE_DATA_DIR=memory.
//
// DiskStore keeps one regular file per name in a single data directory
// (by default ./<NODE_ID>). Writes go to a temporary file that is renamed
// into place, so a concurrent DOWNLOAD sees either the old bytes or the new
// bytes, never a torn write.
//
// # Names
//
// File names are flat. Empty names, "." and "..", and names containing a
// path separator are rejected with ErrInvalidName so an uploaded name can
// never address a file outside the data directory.
package storage
