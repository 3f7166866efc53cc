// Package catalog implements the file map held by every dirstore server.
//
// Directory servers use a Catalog as the authoritative list of files in the
// system; storage nodes use one to remember which files they hold locally.
// Both also record how long FILELIST requests take, so FileServer bundles
// the two capabilities behind one small interface instead of a shared base
// type.
//
// Inserts follow a first-writer-wins rule: once a name is present its record
// never changes. Every method is atomic on its own, and callers must
// tolerate that a concurrent replication task may add a file between two
// calls.
package catalog
