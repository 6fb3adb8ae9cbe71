package mailbox

import (
	"bytes"
	"encoding/binary"

	"github.com/mxgpuhv/gvcore/vf"
)

// VF2PFOffsetKB and PF2VFOffsetKB are the fixed KB offsets from each VF's
// framebuffer base where the VF->PF and PF->VF message structs are mapped
// (spec.md §6.3: "occupy fixed offsets in each VF's framebuffer, at
// documented KB offsets from VF FB base").
const (
	VF2PFOffsetKB = 2
	PF2VFOffsetKB = 4
)

// MsgHeader prefixes both message structs with a size/version stamp
// (amd_sriov_msg_*_info's header field).
type MsgHeader struct {
	Size    uint32
	Version uint32
}

// VF2PFInfo is the guest-populated status block the PF reads back through
// get_vf2pf_info (amd_sriov_msg_vf2pf_info, trimmed to the fields
// amdgv_dump_sriov_msg actually prints).
type VF2PFInfo struct {
	Header   MsgHeader
	Checksum uint32

	DriverVersion [64]byte
	DriverCert    uint32

	FBUsageMB uint32
	FBSizeMB  uint32

	GfxUsagePercent     uint32
	GfxHealth           uint32
	ComputeUsagePercent uint32
	ComputeHealth       uint32
	EncodeUsagePercent  uint32
	DecodeUsagePercent  uint32
}

// PF2VFInfo is the host-populated configuration block the guest reads
// through get_pf2vf_info (amd_sriov_msg_pf2vf_info, trimmed the same way).
type PF2VFInfo struct {
	Header   MsgHeader
	Checksum uint32

	FeatureFlags uint32

	FBOffsetMB uint64
	FBSizeMB   uint64

	UpdateIntervalMS uint32
	UUID             uint64
	FcnIdx           uint32
}

// checksum is the trivial running byte-sum spec.md §6.3 calls for: "a
// trivial 32-bit sum skipping the checksum field; both sides must
// recompute on update" (amd_sriov_msg_checksum).
func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}

	return sum
}

// vf2pfChecksum computes info's checksum with the Checksum field zeroed.
func vf2pfChecksum(info VF2PFInfo) uint32 {
	info.Checksum = 0

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, info)

	return checksum(buf.Bytes())
}

// pf2vfChecksum computes info's checksum with the Checksum field zeroed.
func pf2vfChecksum(info PF2VFInfo) uint32 {
	info.Checksum = 0

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, info)

	return checksum(buf.Bytes())
}

// UpdateVF2PFChecksum recomputes and stores info's checksum in place, the
// guest-side half of the "update -> checksum" fixed point.
func UpdateVF2PFChecksum(info *VF2PFInfo) { info.Checksum = vf2pfChecksum(*info) }

// VerifyVF2PFChecksum reports whether info's stored checksum matches its
// content, the host-side "read -> checksum" half of the same fixed point.
func VerifyVF2PFChecksum(info VF2PFInfo) bool { return info.Checksum == vf2pfChecksum(info) }

// UpdatePF2VFChecksum recomputes and stores info's checksum in place.
func UpdatePF2VFChecksum(info *PF2VFInfo) { info.Checksum = pf2vfChecksum(*info) }

// VerifyPF2VFChecksum reports whether info's stored checksum matches its
// content.
func VerifyPF2VFChecksum(info PF2VFInfo) bool { return info.Checksum == pf2vfChecksum(info) }

// SetVF2PFInfo records idx's guest-populated status block, as if the guest
// driver had just written it to its framebuffer's VF2PFOffsetKB offset.
func (m *Mailbox) SetVF2PFInfo(idx vf.Idx, info VF2PFInfo) {
	s := m.state(idx)
	s.mu.Lock()
	s.vf2pf = info
	s.vf2pfSet = true
	s.mu.Unlock()
}

// VF2PFInfo returns idx's most recently posted VF2PFInfo (get_vf2pf_info)
// along with whether its checksum is currently valid. ok is false if the
// guest has never posted one.
func (m *Mailbox) VF2PFInfo(idx vf.Idx) (info VF2PFInfo, validChecksum bool, ok bool) {
	s := m.state(idx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.vf2pfSet {
		return VF2PFInfo{}, false, false
	}

	return s.vf2pf, VerifyVF2PFChecksum(s.vf2pf), true
}

// SetPF2VFInfo records idx's host-populated configuration block, as if the
// host had just written it to the VF's framebuffer's PF2VFOffsetKB offset.
func (m *Mailbox) SetPF2VFInfo(idx vf.Idx, info PF2VFInfo) {
	s := m.state(idx)
	s.mu.Lock()
	s.pf2vf = info
	s.pf2vfSet = true
	s.mu.Unlock()
}

// PF2VFInfo returns idx's most recently posted PF2VFInfo (get_pf2vf_info)
// along with whether its checksum is currently valid. ok is false if the
// host has never posted one.
func (m *Mailbox) PF2VFInfo(idx vf.Idx) (info PF2VFInfo, validChecksum bool, ok bool) {
	s := m.state(idx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pf2vfSet {
		return PF2VFInfo{}, false, false
	}

	return s.pf2vf, VerifyPF2VFChecksum(s.pf2vf), true
}
