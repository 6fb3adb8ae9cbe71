package api

import (
	"sync"

	"github.com/mxgpuhv/gvcore/vf"
)

// ffbm is a fine-grained frame buffer mapping table: a per-VF set of
// (system physical address, guest physical address) pairs. Nothing else in
// the tree models this, so it is a self-contained map owned by the api
// package rather than a wrapper over an existing component.
type ffbm struct {
	mu   sync.Mutex
	maps map[vf.Idx]map[uint64]uint64
}

func newFfbm() *ffbm {
	return &ffbm{maps: make(map[vf.Idx]map[uint64]uint64)}
}

// FfbmVfMapping records idx's spa->gpa translation (ffbm_vf_mapping).
func (l *Library) FfbmVfMapping(handle DeviceHandle, idx vf.Idx, spa, gpa uint64) Code {
	if _, err := l.get(handle); err != nil {
		return l.record(Failure)
	}

	l.ffbmMu.Lock()
	defer l.ffbmMu.Unlock()

	m, ok := l.ffbmTbls[handle]
	if !ok {
		m = newFfbm()
		l.ffbmTbls[handle] = m
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vfMap, ok := m.maps[idx]
	if !ok {
		vfMap = make(map[uint64]uint64)
		m.maps[idx] = vfMap
	}

	vfMap[spa] = gpa

	return Success
}

// FfbmClearVfMapping drops every recorded translation for idx
// (ffbm_clear_vf_mapping).
func (l *Library) FfbmClearVfMapping(handle DeviceHandle, idx vf.Idx) Code {
	if _, err := l.get(handle); err != nil {
		return l.record(Failure)
	}

	l.ffbmMu.Lock()
	m, ok := l.ffbmTbls[handle]
	l.ffbmMu.Unlock()

	if !ok {
		return Success
	}

	m.mu.Lock()
	delete(m.maps, idx)
	m.mu.Unlock()

	return Success
}

// FfbmFindSpa looks up the system physical address mapped to gpa for idx
// (ffbm_find_spa).
func (l *Library) FfbmFindSpa(handle DeviceHandle, idx vf.Idx, gpa uint64) (uint64, bool, Code) {
	m, ok, code := l.ffbmTable(handle)
	if code != Success {
		return 0, false, code
	}

	if !ok {
		return 0, false, Success
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for spa, mappedGpa := range m.maps[idx] {
		if mappedGpa == gpa {
			return spa, true, Success
		}
	}

	return 0, false, Success
}

// FfbmFindGpa looks up the guest physical address mapped from spa for idx
// (ffbm_find_gpa).
func (l *Library) FfbmFindGpa(handle DeviceHandle, idx vf.Idx, spa uint64) (uint64, bool, Code) {
	m, ok, code := l.ffbmTable(handle)
	if code != Success {
		return 0, false, code
	}

	if !ok {
		return 0, false, Success
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gpa, found := m.maps[idx][spa]

	return gpa, found, Success
}

func (l *Library) ffbmTable(handle DeviceHandle) (*ffbm, bool, Code) {
	if _, err := l.get(handle); err != nil {
		return nil, false, l.record(Failure)
	}

	l.ffbmMu.Lock()
	defer l.ffbmMu.Unlock()

	m, ok := l.ffbmTbls[handle]

	return m, ok, Success
}
