package smbfs

// handleLock processes an SMB2 LOCK request: a batch of byte-range lock
// or unlock elements applied atomically against the file's cached state
// (§4.5). A failure partway through the batch rolls back every element
// this request already applied before returning.
func (h *SMBHandler) handleLock(state *connState, msg *SMB2Message) ([]byte, NTStatus) {
	session, tree, status := h.validateTree(msg.Header)
	if status != STATUS_SUCCESS {
		return h.buildErrorResponse(), status
	}

	if len(msg.Payload) < 24 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}

	r := NewByteReader(msg.Payload)
	structSize := r.ReadUint16()
	if structSize != 48 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}
	lockCount := r.ReadUint16()
	_ = r.ReadUint32() // LockSequence
	fileID := r.ReadFileID()

	if lockCount == 0 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}

	type lockElement struct {
		offset, length uint64
		flags          uint32
	}
	if len(msg.Payload) < 24+int(lockCount)*24 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}
	elements := make([]lockElement, 0, lockCount)
	for i := uint16(0); i < lockCount; i++ {
		offset := r.ReadUint64()
		length := r.ReadUint64()
		flags := r.ReadUint32()
		_ = r.ReadUint32() // Reserved
		elements = append(elements, lockElement{offset, length, flags})
	}

	of := tree.Share.fileHandles.GetByTree(fileID, tree.ID, session.ID)
	if of == nil {
		return h.buildErrorResponse(), STATUS_FILE_CLOSED
	}

	fileState, ok := tree.Share.stateCache.Lookup(of.Path)
	if !ok {
		return h.buildErrorResponse(), STATUS_FILE_CLOSED
	}

	owner := LockOwner{
		Node:      tree.Share.stateCache.Config().NodeName,
		SessionID: session.ID,
		ProcessID: msg.Header.Reserved,
	}

	h.server.logger.Debug("LOCK: %s fileID=%d/%d elements=%d", of.Path, fileID.Persistent, fileID.Volatile, lockCount)

	fileState.lock()
	var applied []ByteRangeLock
	var released []ByteRangeLock
	var failure error
	for _, el := range elements {
		if el.flags&SMB2_LOCKFLAG_UNLOCK != 0 {
			for _, l := range fileState.locks.locks {
				if l.Owner == owner && l.Offset == el.offset && l.Length == el.length {
					released = append(released, l)
					break
				}
			}
			if err := fileState.locks.remove(owner, el.offset, el.length); err != nil {
				failure = err
				break
			}
			continue
		}

		mode := LockModeRead
		if el.flags&SMB2_LOCKFLAG_EXCLUSIVE_LOCK != 0 {
			mode = LockModeWrite
		}
		lock := ByteRangeLock{Owner: owner, Offset: el.offset, Length: el.length, Mode: mode}
		if err := fileState.locks.add(lock); err != nil {
			failure = err
			break
		}
		applied = append(applied, lock)
	}
	if failure != nil {
		// Roll back whatever this request already applied (§4.5 atomicity
		// within a single LOCK request): drop the locks it added and
		// restore the ones it released.
		for _, lock := range applied {
			fileState.locks.remove(lock.Owner, lock.Offset, lock.Length)
		}
		fileState.locks.locks = append(fileState.locks.locks, released...)
	}
	fileState.unlock()

	if failure != nil {
		h.server.logger.Debug("LOCK: %s failed: %v", of.Path, failure)
		return h.buildErrorResponse(), mapCacheErrorToNTStatus(failure)
	}

	// Build response (structure size 4)
	w := NewByteWriter(4)
	w.WriteUint16(4) // StructureSize
	w.WriteUint16(0) // Reserved
	return w.Bytes(), STATUS_SUCCESS
}

// handleOplockBreak processes the client's SMB2_OPLOCK_BREAK acknowledgment,
// completing the break the scheduler started (§4.3 transition 2).
func (h *SMBHandler) handleOplockBreak(state *connState, msg *SMB2Message) ([]byte, NTStatus) {
	session, tree, status := h.validateTree(msg.Header)
	if status != STATUS_SUCCESS {
		return h.buildErrorResponse(), status
	}

	if len(msg.Payload) < 24 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}

	r := NewByteReader(msg.Payload)
	structSize := r.ReadUint16()
	if structSize != 24 {
		return h.buildErrorResponse(), STATUS_INVALID_PARAMETER
	}
	oplockLevel := r.ReadOneByte()
	_ = r.ReadOneByte() // Reserved
	_ = r.ReadUint32()  // Reserved2
	fileID := r.ReadFileID()

	of := tree.Share.fileHandles.GetByTree(fileID, tree.ID, session.ID)
	if of == nil {
		return h.buildErrorResponse(), STATUS_FILE_CLOSED
	}

	fileState, ok := tree.Share.stateCache.Lookup(of.Path)
	if !ok {
		return h.buildErrorResponse(), STATUS_FILE_CLOSED
	}

	newLevel := oplockFromWireLevel(oplockLevel)
	h.server.logger.Debug("OPLOCK_BREAK ack: %s -> %s", of.Path, newLevel)

	tree.Share.stateCache.Scheduler().Acknowledge(fileState.path, newLevel, of.Access)

	w := NewByteWriter(24)
	w.WriteUint16(24)
	w.WriteOneByte(oplockLevel)
	w.WriteOneByte(0)
	w.WriteUint32(0)
	w.WriteFileID(fileID)
	return w.Bytes(), STATUS_SUCCESS
}
