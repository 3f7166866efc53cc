// Package node implements a storage node: it holds file bytes in a
// storage.Store, tracks them in a catalog, answers transfers from the
// directory tier and clients, and reports itself and new uploads to the
// directory through a failover caller.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/dirstore/internal/catalog"
	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/failover"
	"github.com/dreamware/dirstore/internal/storage"
)

// Node is one storage node.
//
// The catalog and the store are updated separately. A file is written to the
// store first and recorded second, so anything listed can be downloaded.
// The first bytes stored under a name are kept; later writes are ignored.
type Node struct {
	ID string

	addr      string // public host:port reported to the directory
	store     storage.Store
	files     *catalog.Catalog
	saveMu    sync.Mutex
	directory *failover.Caller
	client    *cluster.Client
	logger    zerolog.Logger
}

// New creates a node serving files from store. Files already present in
// store (a DiskStore left over from an earlier run) are recorded at once.
//
// Parameters:
//   - id: Node identifier, used in logs and as the default data directory
//   - addr: Public host:port the directory and clients use to reach the node
//   - store: Byte storage
//   - directory: Caller over the primary and backup directory servers
//   - client: RPC client for directory calls
//   - logger: Component logger
func New(id, addr string, store storage.Store, directory *failover.Caller, client *cluster.Client, logger zerolog.Logger) (*Node, error) {
	if _, err := cluster.ParseAddress(addr); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}

	n := &Node{
		ID:        id,
		addr:      addr,
		store:     store,
		files:     catalog.New(),
		directory: directory,
		client:    client,
		logger:    logger,
	}

	for _, name := range store.List() {
		data, err := store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		n.files.AddFile(cluster.FileRecord{Name: name, Size: int64(len(data))})
	}
	if count := n.files.Len(); count > 0 {
		logger.Info().Int("files", count).Msg("loaded existing files")
	}
	return n, nil
}

// Addr returns the public address.
func (n *Node) Addr() string { return n.addr }

// Files returns the node's file catalog.
func (n *Node) Files() *catalog.Catalog { return n.files }

// Store returns the byte store.
func (n *Node) Store() storage.Store { return n.store }

// Register announces the node to the directory tier. Any reply from the
// directory other than a connectivity failure completes registration.
// failover.ErrExhausted means neither directory server could be reached.
func (n *Node) Register(ctx context.Context) error {
	_, err := n.directory.Call(ctx, n.client, cluster.CmdRegister, n.addr)
	if err != nil {
		return fmt.Errorf("register %s: %w", n.addr, err)
	}
	n.logger.Info().Str("addr", n.addr).Str("directory", n.directory.Current()).Msg("registered with directory")
	return nil
}

// Handle dispatches one request. It implements cluster.Handler.
func (n *Node) Handle(ctx context.Context, req cluster.Message) cluster.Message {
	switch req.Command {
	case cluster.CmdUpload:
		return n.handleUpload(req)
	case cluster.CmdNewFile:
		return n.handleNewFile(ctx, req)
	case cluster.CmdDownload:
		return n.handleDownload(req)
	case cluster.CmdFileList:
		return catalog.FileListResponse(n.files)
	case cluster.CmdHeartbeat:
		return cluster.Success()
	default:
		return cluster.Failure(cluster.ReasonBadRequest)
	}
}

// handleUpload stores a replica pushed by the directory.
func (n *Node) handleUpload(req cluster.Message) cluster.Message {
	rec, data, ok := decodeFile(req)
	if !ok {
		return cluster.Failure(cluster.ReasonBadRequest)
	}
	stored, err := n.save(rec, data)
	if err != nil {
		n.logger.Error().Err(err).Str("file", rec.Name).Msg("upload failed")
		return cluster.Failure(err.Error())
	}
	if !stored {
		n.logger.Debug().Str("file", rec.Name).Msg("replica already held, keeping first copy")
		return cluster.Success()
	}
	n.logger.Debug().Str("file", rec.Name).Int64("size", rec.Size).Msg("replica stored")
	return cluster.Success()
}

// handleNewFile accepts a client upload. The directory is asked first; the
// bytes are only kept if it accepts the name.
func (n *Node) handleNewFile(ctx context.Context, req cluster.Message) cluster.Message {
	rec, data, ok := decodeFile(req)
	if !ok {
		return cluster.Failure(cluster.ReasonBadRequest)
	}
	if err := storage.ValidateName(rec.Name); err != nil {
		return cluster.Failure(err.Error())
	}
	if n.files.FileExists(rec.Name) {
		return cluster.Failure(cluster.ReasonFileExists)
	}

	_, err := n.directory.Call(ctx, n.client, cluster.CmdNewFile, n.addr, rec, data)
	if err != nil {
		var remote *cluster.RemoteError
		if errors.As(err, &remote) {
			return cluster.Failure(remote.Reason)
		}
		n.logger.Error().Err(err).Str("file", rec.Name).Msg("directory unreachable, upload refused")
		return cluster.Failure(err.Error())
	}

	stored, err := n.save(rec, data)
	if err != nil {
		n.logger.Error().Err(err).Str("file", rec.Name).Msg("accepted file could not be stored")
		return cluster.Failure(err.Error())
	}
	if !stored {
		// a replica with this name arrived while the directory was deciding
		return cluster.Failure(cluster.ReasonFileExists)
	}
	n.logger.Info().Str("file", rec.Name).Int64("size", rec.Size).Msg("new file stored")
	return cluster.Success()
}

func (n *Node) handleDownload(req cluster.Message) cluster.Message {
	var name string
	if err := req.Item(0, &name); err != nil {
		return cluster.Failure(cluster.ReasonBadRequest)
	}

	rec, ok := n.files.GetFile(name)
	if !ok {
		return cluster.Failure(cluster.ReasonFileNotFound)
	}
	data, err := n.store.Get(name)
	if errors.Is(err, storage.ErrFileNotFound) {
		return cluster.Failure(cluster.ReasonFileNotFound)
	}
	if err != nil {
		n.logger.Error().Err(err).Str("file", name).Msg("read failed")
		return cluster.Failure(err.Error())
	}
	return cluster.Success(rec, data)
}

// save writes and records rec unless the name is already held. stored is
// false when an earlier copy was kept.
func (n *Node) save(rec cluster.FileRecord, data []byte) (stored bool, err error) {
	n.saveMu.Lock()
	defer n.saveMu.Unlock()

	if n.files.FileExists(rec.Name) {
		return false, nil
	}
	if err := n.store.Put(rec.Name, data); err != nil {
		return false, err
	}
	n.files.AddFile(rec)
	return true, nil
}

func decodeFile(req cluster.Message) (cluster.FileRecord, []byte, bool) {
	var rec cluster.FileRecord
	var data []byte
	if req.Item(0, &rec) != nil || req.Item(1, &data) != nil || rec.Name == "" {
		return cluster.FileRecord{}, nil, false
	}
	return rec, data, true
}
