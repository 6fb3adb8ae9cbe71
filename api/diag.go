package api

import (
	"github.com/mxgpuhv/gvcore/diag"
	"github.com/mxgpuhv/gvcore/mailbox"
	"github.com/mxgpuhv/gvcore/vf"
)

// GetDiagData assembles handle's consumer-facing diagnostic dump
// (get_diag_data): recent CPER records since rptr, the current bad page
// count, and a per-VF MCA snapshot. mem/rip enable the optional crash
// instruction disassembly; pass a nil mem to skip it.
func (l *Library) GetDiagData(handle DeviceHandle, rptr uint64, rip uint64, mem diag.MemReader) (diag.Snapshot, Code) {
	a, err := l.get(handle)
	if err != nil {
		return diag.Snapshot{}, l.record(Failure)
	}

	mca := make([]diag.MCASnapshot, 0, vf.MaxSlot)

	for _, s := range a.SlotsSnapshot() {
		if s == nil {
			continue
		}

		mca = append(mca, diag.MCASnapshot{
			IdxVF:         s.Idx,
			State:         s.State,
			VRAMLost:      s.VRAMLost,
			PendingErrors: s.PendingDeferredErrors,
		})
	}

	return diag.Dump(a.CPERRing(), a.BadPageCount(), mca, rptr, rip, mem), Success
}

// DumpSriovMsg reports idx's mailbox bridge bookkeeping (dump_sriov_msg):
// whether the VF is currently available, the outgoing message's acked
// state, and the stored ACK count (see mailbox.Mailbox.Info).
func (l *Library) DumpSriovMsg(handle DeviceHandle, idx vf.Idx) (available, acked bool, ackCount uint32, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return false, false, 0, l.record(Failure)
	}

	available, acked, ackCount = a.Mailbox().Info(idx)

	return available, acked, ackCount, Success
}

// GetVF2PFInfo reads idx's guest-populated status block (get_vf2pf_info).
// ok reports whether the guest has posted one; a posted block with a bad
// checksum is still returned, with validChecksum set false.
func (l *Library) GetVF2PFInfo(handle DeviceHandle, idx vf.Idx) (info mailbox.VF2PFInfo, validChecksum, ok bool, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return mailbox.VF2PFInfo{}, false, false, l.record(Failure)
	}

	info, validChecksum, ok = a.Mailbox().VF2PFInfo(idx)

	return info, validChecksum, ok, Success
}

// GetPF2VFInfo reads idx's host-populated configuration block
// (get_pf2vf_info). ok reports whether the host has posted one.
func (l *Library) GetPF2VFInfo(handle DeviceHandle, idx vf.Idx) (info mailbox.PF2VFInfo, validChecksum, ok bool, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return mailbox.PF2VFInfo{}, false, false, l.record(Failure)
	}

	info, validChecksum, ok = a.Mailbox().PF2VFInfo(idx)

	return info, validChecksum, ok, Success
}

// ListGpuThreads reports the VF indices of every slot whose state is not
// UNAVAIL (list_gpu_threads's reduced form: the original enumerates kernel
// worker threads, this simulated driver instead lists its non-UNAVAIL VFs,
// all served by one shared pipeline).
func (l *Library) ListGpuThreads(handle DeviceHandle) ([]vf.Idx, Code) {
	a, err := l.get(handle)
	if err != nil {
		return nil, l.record(Failure)
	}

	var out []vf.Idx

	for _, s := range a.SlotsSnapshot() {
		if s != nil && s.State != vf.Unavail {
			out = append(out, s.Idx)
		}
	}

	return out, Success
}
