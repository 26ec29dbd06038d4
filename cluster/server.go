package cluster

import "sync"

// TopicHandler reacts to an inbound TopicMessage (§4.7 "Pub/sub topic").
type TopicHandler func(TopicMessage)

// TransportHandler implements TransportServer against a ClusterStateCache:
// inbound TaskRequests execute against the local PartitionStore (this
// node must be the owner — the dispatcher only ever routes to the
// owner) and inbound TopicMessages fan out to registered handlers.
type TransportHandler struct {
	cache *ClusterStateCache

	mu       sync.RWMutex
	handlers []TopicHandler
}

func NewTransportHandler(cache *ClusterStateCache) *TransportHandler {
	return &TransportHandler{cache: cache}
}

// OnTopic registers a handler invoked for every inbound TopicMessage.
func (h *TransportHandler) OnTopic(handler TopicHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Stream implements TransportServer: it serves one peer's bidirectional
// stream for the lifetime of the connection.
func (h *TransportHandler) Stream(stream TransportStreamServer) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return err
		}

		switch frame.Kind {
		case FrameTask:
			if frame.Task == nil {
				continue
			}
			result := h.executeTask(*frame.Task)
			if err := stream.Send(&Frame{Kind: FrameResult, Result: &result}); err != nil {
				return err
			}
		case FrameTopic:
			if frame.Topic == nil {
				continue
			}
			h.dispatchTopic(*frame.Topic)
		}
	}
}

func (h *TransportHandler) dispatchTopic(msg TopicMessage) {
	h.mu.RLock()
	handlers := append([]TopicHandler(nil), h.handlers...)
	h.mu.RUnlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

// executeTask runs an inbound task against the local partition store.
// The dispatcher only ever routes a task to its path's rendezvous
// owner, so no separate ownership check is performed here.
func (h *TransportHandler) executeTask(req TaskRequest) TaskResult {
	store := h.cache.store

	switch req.Kind {
	case TaskGrantAccess:
		shareMask := parseUint32(req.Args["shareMask"])
		oplock := parseUint8(req.Args["requestedOplock"])
		snap, failure, breakOwner, breakLevel := store.GrantAccess(req.Path, req.Args["node"], shareMask, oplock)
		if failure != "" {
			return TaskResult{ID: req.ID, OK: false, Failure: failure}
		}
		if breakOwner != "" {
			h.cache.requestOplockBreak(req.Path, breakOwner, breakLevel)
		}
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskAddOplock:
		level := parseUint8(req.Args["level"])
		snap, failure := store.AddOplock(req.Path, req.Args["node"], level)
		if failure != "" {
			return TaskResult{ID: req.ID, OK: false, Failure: failure}
		}
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskRemoveOplock:
		snap := store.RemoveOplock(req.Path)
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskChangeOplockType:
		level := parseUint8(req.Args["level"])
		snap := store.ChangeOplockType(req.Path, level)
		h.cache.publish(TopicMessage{Kind: TopicOplockTypeChange, TargetNode: AllNodes, Path: req.Path, Level: level})
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskDataUpdate:
		inProgress := req.Args["inProgress"] == "true"
		snap := store.DataUpdate(req.Path, req.Args["node"], inProgress)
		h.cache.publish(TopicMessage{
			Kind:       TopicDataUpdate,
			TargetNode: AllNodes,
			Path:       req.Path,
			RangeStart: parseInt64(req.Args["rangeStart"]),
			RangeEnd:   parseInt64(req.Args["rangeEnd"]),
		})
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskReleaseAccess:
		snap := store.ReleaseAccess(req.Path)
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	case TaskAddLock:
		offset := parseUint64(req.Args["offset"])
		length := parseUint64(req.Args["length"])
		write := req.Args["write"] == "true"
		if failure := store.AddLock(req.Path, req.Args["owner"], offset, length, write); failure != "" {
			return TaskResult{ID: req.ID, OK: false, Failure: failure}
		}
		return TaskResult{ID: req.ID, OK: true}

	case TaskRemoveLock:
		offset := parseUint64(req.Args["offset"])
		length := parseUint64(req.Args["length"])
		if failure := store.RemoveLock(req.Path, req.Args["owner"], offset, length); failure != "" {
			return TaskResult{ID: req.ID, OK: false, Failure: failure}
		}
		return TaskResult{ID: req.ID, OK: true}

	case TaskRename:
		newPath := req.Args["newPath"]
		store.MovePrefix(req.Path, newPath)
		return TaskResult{ID: req.ID, OK: true, Values: map[string]string{"newPath": newPath}}

	case TaskUpdateFileStatus:
		status := parseUint8(req.Args["status"])
		snap := store.UpdateStatus(req.Path, status)
		return TaskResult{ID: req.ID, OK: true, Values: valuesFromSnapshot(snap)}

	default:
		return TaskResult{ID: req.ID, OK: false, Failure: "Unsupported"}
	}
}

func valuesFromSnapshot(s Snapshot) map[string]string {
	return map[string]string{
		"status":         itoa(int(s.Status)),
		"primaryOwner":   s.PrimaryOwner,
		"openCount":      itoa(s.OpenCount),
		"sharingMode":    itoa(int(s.SharingMode)),
		"oplockLevel":    itoa(int(s.OplockLevel)),
		"dataUpdateNode": s.DataUpdateNode,
	}
}
