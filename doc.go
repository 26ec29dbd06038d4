// Package smbfs implements the server side of an SMB2/3 share: protocol
// dispatch, session/tree/handle bookkeeping, and a file state cache that
// coordinates concurrent opens, byte-range locks, and oplocks across
// clients the way a real SMB server has to.
//
// # Overview
//
// A Server accepts TCP connections, negotiates SMB2/3.1.1, and dispatches
// each request to the handler in smb2_handlers.go. Every share backs onto
// an absfs.FileSystem, so the same package serves a memfs-backed test
// share or a real OS-backed one without change.
//
// # Basic Usage
//
//	srv, err := smbfs.NewServer(smbfs.ServerOptions{
//	    Port:       445,
//	    ServerName: "FILESERVER",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fs, _ := memfs.NewFS()
//	if err := srv.AddShare(fs, smbfs.DefaultShareOptions("shared")); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := srv.ListenAndServe(); err != nil {
//	    log.Fatal(err)
//	}
//
// # File state cache
//
// Each Share owns a LocalStateCache (see cache.go), keyed by normalized
// path, tracking open count, granted sharing mode, byte-range locks, and
// any held oplock per file. CREATE and CLOSE route through grantAccess
// and releaseAccess (arbiter.go) rather than touching the cache directly;
// LOCK and OPLOCK_BREAK act on the same per-path FileState. A state
// becomes reapable once it has no opens and its expiry deadline, set
// StateCacheConfig.ExpiryInterval after the state was created, has
// passed, and an OplockBreakScheduler drives outstanding break timeouts and
// deferred-request leases in the background.
//
// # Clustering
//
// The cluster subpackage provides a partitioned variant of the state
// cache for a multi-node deployment: every path is owned by exactly one
// node (rendezvous hashing over live cluster membership), with a near
// cache for repeat local reads and remote dispatch over gRPC for
// everything else. See cluster/cache.go. Share dispatch in this package
// still uses each share's LocalStateCache.
package smbfs
