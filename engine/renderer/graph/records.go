package graph

import "github.com/spaghettifunk/lumen/engine/renderer/metadata"

const noPass = -1

type reader struct {
	pass   int
	access metadata.AccessFlags
}

/** @brief What the graph knows about one resource during the current frame. */
type accessRecord struct {
	epoch        uint64
	lastWriter   int
	writerAccess metadata.AccessFlags
	/** @brief Passes that read the resource since lastWriter. */
	readers []reader
	layout  metadata.ImageLayout
}

func (r *accessRecord) addReader(pass int, access metadata.AccessFlags) {
	for i := range r.readers {
		if r.readers[i].pass == pass {
			r.readers[i].access |= access
			return
		}
	}
	r.readers = append(r.readers, reader{pass: pass, access: access})
}

// recordStore is an arena of access records indexed by resource id. Records
// from an older epoch are treated as absent, so reset is O(1).
type recordStore struct {
	epoch   uint64
	records []accessRecord
}

func newRecordStore() *recordStore {
	return &recordStore{epoch: 1}
}

func (rs *recordStore) get(id metadata.ResourceID) (*accessRecord, bool) {
	if int(id) >= len(rs.records) {
		return nil, false
	}
	r := &rs.records[id]
	if r.epoch != rs.epoch {
		return nil, false
	}
	return r, true
}

func (rs *recordStore) create(id metadata.ResourceID, layout metadata.ImageLayout) *accessRecord {
	if int(id) >= len(rs.records) {
		grown := make([]accessRecord, int(id)+1, max(int(id)+1, 2*len(rs.records)))
		copy(grown, rs.records)
		rs.records = grown
	}
	r := &rs.records[id]
	*r = accessRecord{
		epoch:      rs.epoch,
		lastWriter: noPass,
		readers:    r.readers[:0],
		layout:     layout,
	}
	return r
}

// forget drops the record of an unregistered resource.
func (rs *recordStore) forget(id metadata.ResourceID) {
	if int(id) < len(rs.records) {
		rs.records[id].epoch = 0
	}
}

func (rs *recordStore) reset() {
	rs.epoch++
}
