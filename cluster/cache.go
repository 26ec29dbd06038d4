package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Failure mirrors the CacheErrorKind taxonomy from the root package
// (§7), reproduced here as plain strings so a remote task's failure can
// cross the wire without importing the root package's error type.
type Failure struct {
	Kind string
	Path string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Path)
}

// PeerDialer resolves a node name to a client able to exchange Frames
// with it. Node-to-connection caching and dialing live outside this
// package (e.g. a pool keyed by the address memberlist reports).
type PeerDialer interface {
	Dial(nodeName string) (TransportStreamClient, error)
}

// ClusterStateCache is the distributed File State Cache (§4.7): every
// path is owned by exactly one node, computed by rendezvous hashing over
// the live membership; operations against a path owned by another node
// are dispatched as remote tasks, and results populate the local near
// cache so repeat reads avoid the round trip.
type ClusterStateCache struct {
	self       string
	membership *Membership
	store      *PartitionStore
	near       *NearCache
	perNode    *PerNodeMap
	dialer     PeerDialer

	mu      sync.Mutex
	streams map[string]TransportStreamClient

	pendingMu sync.Mutex
	pending   map[string]chan TaskResult
}

// NewClusterStateCache wires a cache for this node. nearCacheTTL is
// clamped to [3s, 2min] per §4.7.
func NewClusterStateCache(self string, membership *Membership, dialer PeerDialer, nearCacheTTL time.Duration) *ClusterStateCache {
	c := &ClusterStateCache{
		self:       self,
		membership: membership,
		store:      NewPartitionStore(),
		near:       NewNearCache(nearCacheTTL),
		perNode:    NewPerNodeMap(),
		dialer:     dialer,
		streams:    make(map[string]TransportStreamClient),
		pending:    make(map[string]chan TaskResult),
	}
	membership.OnDeparture(c.handleDeparture)
	return c
}

// ownerOf returns the node that currently owns path.
func (c *ClusterStateCache) ownerOf(path string) string {
	return c.membership.OwnerOf(path)
}

// Lookup consults the near cache first (§4.7 "Reads consult the near
// cache first"); on a miss for a path this node owns, it reads the
// partition store directly and backfills the near cache. A miss for a
// path owned elsewhere returns false — callers needing a guaranteed-
// fresh read issue a mutating task, which always returns a snapshot.
func (c *ClusterStateCache) Lookup(path string) (Snapshot, bool) {
	if snap, ok := c.near.Get(path); ok {
		return snap, true
	}
	if c.ownerOf(path) == c.self {
		if snap, ok := c.store.Snapshot(path); ok {
			c.near.Put(path, snap)
			return snap, true
		}
	}
	return Snapshot{}, false
}

// GrantAccess dispatches a grantAccess task to path's owner, local or
// remote, and caches the resulting snapshot. A conflicting oplock held by
// a different node is cleared by the partition store and reported back as
// a break request, which is published over the topic (§4.8) rather than
// silently dropped.
func (c *ClusterStateCache) GrantAccess(ctx context.Context, path string, shareMask uint32, requestedOplock uint8) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap, failure, breakOwner, breakLevel := c.store.GrantAccess(path, c.self, shareMask, requestedOplock)
		if failure != "" {
			return Snapshot{}, &Failure{Kind: failure, Path: path}
		}
		c.near.Put(path, snap)
		if breakOwner != "" {
			c.requestOplockBreak(path, breakOwner, breakLevel)
		}
		return snap, nil
	}

	args := map[string]string{
		"node":            c.self,
		"shareMask":       fmt.Sprint(shareMask),
		"requestedOplock": fmt.Sprint(requestedOplock),
	}
	result, err := c.dispatch(ctx, TaskGrantAccess, path, args)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// AddOplock dispatches an addOpLock task to path's owner.
func (c *ClusterStateCache) AddOplock(ctx context.Context, path string, level uint8) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap, failure := c.store.AddOplock(path, c.self, level)
		if failure != "" {
			return Snapshot{}, &Failure{Kind: failure, Path: path}
		}
		c.near.Put(path, snap)
		return snap, nil
	}
	args := map[string]string{"node": c.self, "level": fmt.Sprint(level)}
	result, err := c.dispatch(ctx, TaskAddOplock, path, args)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// RemoveOplock dispatches a removeOpLock task to path's owner.
func (c *ClusterStateCache) RemoveOplock(ctx context.Context, path string) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap := c.store.RemoveOplock(path)
		c.near.Put(path, snap)
		return snap, nil
	}
	result, err := c.dispatch(ctx, TaskRemoveOplock, path, nil)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// ChangeOplockType dispatches a changeOplockType task to path's owner and
// announces the new level on the topic (§4.7 OplockTypeChange) so every
// node's near cache can refresh instead of waiting out its TTL.
func (c *ClusterStateCache) ChangeOplockType(ctx context.Context, path string, level uint8) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap := c.store.ChangeOplockType(path, level)
		c.near.Put(path, snap)
		c.publish(TopicMessage{Kind: TopicOplockTypeChange, TargetNode: AllNodes, Path: path, Level: level})
		return snap, nil
	}
	args := map[string]string{"level": fmt.Sprint(level)}
	result, err := c.dispatch(ctx, TaskChangeOplockType, path, args)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// DataUpdate dispatches a dataUpdate task to path's owner and announces
// the written range on the topic (§4.7 DataUpdate), marking or clearing
// this node as the in-progress writer (§3 "dataUpdateNode").
func (c *ClusterStateCache) DataUpdate(ctx context.Context, path string, inProgress bool, rangeStart, rangeEnd int64) error {
	if c.ownerOf(path) == c.self {
		snap := c.store.DataUpdate(path, c.self, inProgress)
		c.near.Put(path, snap)
		c.publish(TopicMessage{Kind: TopicDataUpdate, TargetNode: AllNodes, Path: path, RangeStart: rangeStart, RangeEnd: rangeEnd})
		return nil
	}
	args := map[string]string{
		"node":       c.self,
		"inProgress": fmt.Sprint(inProgress),
		"rangeStart": fmt.Sprint(rangeStart),
		"rangeEnd":   fmt.Sprint(rangeEnd),
	}
	_, err := c.dispatch(ctx, TaskDataUpdate, path, args)
	return err
}

// UpdateStatus dispatches an updateFileStatus task to path's owner (§4.4
// step 1's distributed form); the client-side half of TaskUpdateFileStatus,
// which executeTask has served since §4.7 was first implemented but which
// nothing here previously called.
func (c *ClusterStateCache) UpdateStatus(ctx context.Context, path string, status uint8) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap := c.store.UpdateStatus(path, status)
		c.near.Put(path, snap)
		return snap, nil
	}
	args := map[string]string{"status": fmt.Sprint(status)}
	result, err := c.dispatch(ctx, TaskUpdateFileStatus, path, args)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// ReleaseAccess dispatches a releaseAccess task to path's owner.
func (c *ClusterStateCache) ReleaseAccess(ctx context.Context, path string) (Snapshot, error) {
	if c.ownerOf(path) == c.self {
		snap := c.store.ReleaseAccess(path)
		c.near.Put(path, snap)
		return snap, nil
	}
	result, err := c.dispatch(ctx, TaskReleaseAccess, path, nil)
	if err != nil {
		c.near.Invalidate(path)
		return Snapshot{}, err
	}
	snap := snapshotFromValues(path, result.Values)
	c.near.Put(path, snap)
	return snap, nil
}

// AddLock dispatches an addLock task to path's owner.
func (c *ClusterStateCache) AddLock(ctx context.Context, path, owner string, offset, length uint64, write bool) error {
	if c.ownerOf(path) == c.self {
		if failure := c.store.AddLock(path, owner, offset, length, write); failure != "" {
			return &Failure{Kind: failure, Path: path}
		}
		return nil
	}
	args := map[string]string{
		"owner":  owner,
		"offset": fmt.Sprint(offset),
		"length": fmt.Sprint(length),
		"write":  fmt.Sprint(write),
	}
	_, err := c.dispatch(ctx, TaskAddLock, path, args)
	return err
}

// RemoveLock dispatches a removeLock task to path's owner.
func (c *ClusterStateCache) RemoveLock(ctx context.Context, path, owner string, offset, length uint64) error {
	if c.ownerOf(path) == c.self {
		if failure := c.store.RemoveLock(path, owner, offset, length); failure != "" {
			return &Failure{Kind: failure, Path: path}
		}
		return nil
	}
	args := map[string]string{
		"owner":  owner,
		"offset": fmt.Sprint(offset),
		"length": fmt.Sprint(length),
	}
	_, err := c.dispatch(ctx, TaskRemoveLock, path, args)
	return err
}

// Rename runs the partition-local rename task against oldPath's owner,
// then propagates the directory-prefix move across every node's locally
// owned keys (§4.7 "Rename of a directory prefix"): this node's own
// partition store, near cache, and per-node map are walked regardless of
// who owns oldPath, since any of the three may hold entries under it.
func (c *ClusterStateCache) Rename(ctx context.Context, oldPath, newPath string, isDir bool) error {
	if c.ownerOf(oldPath) != c.self {
		args := map[string]string{"newPath": newPath, "isDir": fmt.Sprint(isDir)}
		if _, err := c.dispatch(ctx, TaskRename, oldPath, args); err != nil {
			return err
		}
	}

	// Every node, including the initiator, walks its own locally-owned
	// main-cache keys, near-cache keys, and per-node keys for anything
	// under oldPath (§4.7 "directory prefix rename"): the directory
	// itself may be owned elsewhere while some of its descendants are
	// owned here.
	c.store.MovePrefix(oldPath, newPath)
	c.near.Rename(oldPath, newPath)
	c.perNode.Rename(oldPath, newPath)
	for _, p := range c.perNode.Paths() {
		if hasPathPrefix(p, oldPath) {
			c.perNode.Rename(p, newPath+p[len(oldPath):])
		}
	}
	c.near.mu.Lock()
	var nearKeys []string
	for p := range c.near.entries {
		if hasPathPrefix(p, oldPath) {
			nearKeys = append(nearKeys, p)
		}
	}
	c.near.mu.Unlock()
	for _, p := range nearKeys {
		c.near.Rename(p, newPath+p[len(oldPath):])
	}
	return nil
}

// handleDeparture runs §4.7's member-departure reconciliation against
// this node's own partition store; the per-node map is not touched.
func (c *ClusterStateCache) handleDeparture(nodeName string) {
	c.store.ReconcileDeparture(nodeName)
}

// requestOplockBreak starts §4.8's cross-node break protocol: node A
// (here) asks ownerNode, which holds the conflicting oplock, to break it.
// When ownerNode is this node itself there is nothing to cross the wire
// for, so the request is handled in place instead of round-tripping
// through the transport to reach the same process.
func (c *ClusterStateCache) requestOplockBreak(path, ownerNode string, level uint8) {
	msg := TopicMessage{Kind: TopicOplockBreakRequest, TargetNode: ownerNode, FromNode: c.self, Path: path, Level: level}
	if ownerNode == c.self {
		c.handleOplockBreakRequest(msg)
		return
	}
	c.publish(msg)
}

// HandleTopic reacts to an inbound pub/sub message (§4.7 "Pub/sub
// topic"). Register with a TransportHandler via
// handler.OnTopic(cache.HandleTopic) so this node reacts to its peers'
// published messages.
func (c *ClusterStateCache) HandleTopic(msg TopicMessage) {
	if msg.FromNode == c.self {
		return
	}
	if msg.TargetNode != AllNodes && msg.TargetNode != c.self {
		return
	}

	switch msg.Kind {
	case TopicOplockBreakRequest:
		c.handleOplockBreakRequest(msg)
	case TopicOplockBreakNotify, TopicOplockTypeChange, TopicStateUpdate, TopicDataUpdate:
		c.near.Invalidate(msg.Path)
	case TopicStateRename:
		c.near.Rename(msg.OldPath, msg.NewPath)
		c.perNode.Rename(msg.OldPath, msg.NewPath)
	}
}

// handleOplockBreakRequest runs §4.8's "local break protocol" against this
// node's per-node oplock record, then publishes OplockBreakNotify(AllNodes)
// so every node (including whichever one owns path's partition) can stop
// waiting on the break and requeue its own deferred requests.
func (c *ClusterStateCache) handleOplockBreakRequest(msg TopicMessage) {
	if rec, ok := c.perNode.Get(msg.Path); ok {
		rec.Oplock = nil
	}
	c.near.Invalidate(msg.Path)
	c.publish(TopicMessage{Kind: TopicOplockBreakNotify, TargetNode: AllNodes, Path: msg.Path, Level: msg.Level})
}

// publish sends msg to its target: a specific node, or every other known
// member when msg.TargetNode is AllNodes. Best-effort: a peer this node
// can't currently reach just misses the message, consistent with §5
// "consumers must treat every message as an invalidation hint, not a
// source of truth".
func (c *ClusterStateCache) publish(msg TopicMessage) {
	msg.FromNode = c.self
	if msg.TargetNode != AllNodes {
		c.sendTopic(msg.TargetNode, msg)
		return
	}
	for _, node := range c.membership.Members() {
		if node == c.self {
			continue
		}
		c.sendTopic(node, msg)
	}
}

func (c *ClusterStateCache) sendTopic(node string, msg TopicMessage) {
	stream, err := c.streamTo(node)
	if err != nil {
		return
	}
	m := msg
	stream.Send(&Frame{Kind: FrameTopic, Topic: &m})
}

// dispatch sends a task to path's owner and awaits its result. The
// stream-based round trip is modeled with a pending-result map keyed by
// a random task ID, matching a single bidirectional stream carrying many
// concurrent in-flight calls.
func (c *ClusterStateCache) dispatch(ctx context.Context, kind TaskKind, path string, args map[string]string) (TaskResult, error) {
	owner := c.ownerOf(path)
	stream, err := c.streamTo(owner)
	if err != nil {
		return TaskResult{}, err
	}

	id := newTaskID()
	reply := make(chan TaskResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := &TaskRequest{ID: id, Kind: kind, Path: path, FromNode: c.self, Args: args}
	if err := stream.Send(&Frame{Kind: FrameTask, Task: req}); err != nil {
		return TaskResult{}, err
	}

	select {
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	case result := <-reply:
		if !result.OK {
			return TaskResult{}, &Failure{Kind: result.Failure, Path: path}
		}
		return result, nil
	}
}

// streamTo returns (dialing if necessary) the stream to nodeName.
func (c *ClusterStateCache) streamTo(nodeName string) (TransportStreamClient, error) {
	c.mu.Lock()
	stream, ok := c.streams[nodeName]
	c.mu.Unlock()
	if ok {
		return stream, nil
	}

	stream, err := c.dialer.Dial(nodeName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams[nodeName] = stream
	c.mu.Unlock()

	go c.readLoop(nodeName, stream)
	return stream, nil
}

// readLoop delivers incoming results to their waiting dispatch call and
// incoming task requests/topic messages to their handlers. Task-request
// handling (serving as a partition owner for a peer's dispatch) and
// topic subscription are wired by the server side via TransportServer;
// this loop only completes the client role's half of the contract.
func (c *ClusterStateCache) readLoop(nodeName string, stream TransportStreamClient) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			c.mu.Lock()
			delete(c.streams, nodeName)
			c.mu.Unlock()
			return
		}
		if frame.Kind != FrameResult || frame.Result == nil {
			continue
		}
		c.pendingMu.Lock()
		reply, ok := c.pending[frame.Result.ID]
		c.pendingMu.Unlock()
		if ok {
			reply <- *frame.Result
		}
	}
}

func newTaskID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func snapshotFromValues(path string, values map[string]string) Snapshot {
	return Snapshot{
		Path:           path,
		Status:         parseUint8(values["status"]),
		PrimaryOwner:   values["primaryOwner"],
		OpenCount:      int(parseUint32(values["openCount"])),
		SharingMode:    parseUint32(values["sharingMode"]),
		OplockLevel:    parseUint8(values["oplockLevel"]),
		DataUpdateNode: values["dataUpdateNode"],
	}
}
