package syncer

import (
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
)

type mergeAction int

const (
	actionKeepRemote mergeAction = iota
	actionPushLocal
	actionCreateLocal
	actionKeepConflicted
)

type mergeStep struct {
	action mergeAction
	id     string
	remote records.Record
	local  records.Record
}

// planMerge decides, per record, which side wins. Remote records come first in snapshot order,
// followed by local-only records in cache order.
//
// A cached record beats its remote counterpart only when it changed after the checkpoint or its
// previous push failed. Without a checkpoint the remote copy always wins.
func planMerge(remote, local []records.Record, checkpoint time.Time, hasCheckpoint bool, retry map[string]struct{}) []mergeStep {
	localByID := make(map[string]records.Record, len(local))
	for _, record := range local {
		if id := record.ID(); id != "" {
			localByID[id] = record
		}
	}

	steps := make([]mergeStep, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote))
	for _, remoteRecord := range remote {
		id := remoteRecord.ID()
		if id != "" {
			if _, duplicate := seen[id]; duplicate {
				continue
			}
			seen[id] = struct{}{}
		}

		localRecord, found := localByID[id]
		if id != "" && found && localWins(localRecord, id, checkpoint, hasCheckpoint, retry) {
			steps = append(steps, mergeStep{action: actionPushLocal, id: id, remote: remoteRecord, local: localRecord})
			continue
		}
		steps = append(steps, mergeStep{action: actionKeepRemote, id: id, remote: remoteRecord})
	}

	for _, localRecord := range local {
		id := localRecord.ID()
		if id != "" {
			if _, present := seen[id]; present {
				continue
			}
			seen[id] = struct{}{}
		}
		if localRecord.SyncConflict() != "" {
			steps = append(steps, mergeStep{action: actionKeepConflicted, id: id, local: localRecord})
			continue
		}
		steps = append(steps, mergeStep{action: actionCreateLocal, id: id, local: localRecord})
	}
	return steps
}

func localWins(local records.Record, id string, checkpoint time.Time, hasCheckpoint bool, retry map[string]struct{}) bool {
	if _, pending := retry[id]; pending {
		return true
	}
	if !hasCheckpoint {
		return false
	}
	modified, ok := local.Modified()
	if !ok {
		return false
	}
	return modified.After(checkpoint)
}

// mergedSet keeps records in insertion order with unique ids; a later record replaces an earlier one.
type mergedSet struct {
	list  []records.Record
	index map[string]int
}

func newMergedSet(capacity int) *mergedSet {
	return &mergedSet{list: make([]records.Record, 0, capacity), index: make(map[string]int, capacity)}
}

func (m *mergedSet) add(record records.Record) {
	id := record.ID()
	if id == "" {
		m.list = append(m.list, record)
		return
	}
	if position, exists := m.index[id]; exists {
		m.list[position] = record
		return
	}
	m.index[id] = len(m.list)
	m.list = append(m.list, record)
}

func (m *mergedSet) records() []records.Record {
	return m.list
}
