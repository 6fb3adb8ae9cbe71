package api

import (
	"context"
	"sync"
	"testing"

	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/config"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeClock struct {
	mu sync.Mutex
	us uint64
}

func (c *fakeClock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.us++

	return c.us
}

func (c *fakeClock) UTCNowUS() uint64 { return c.NowUS() }

type fakePrinter struct {
	mu   sync.Mutex
	logs []string
}

func (p *fakePrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logs = append(p.logs, format)
}

type fakeTransport struct{}

func (fakeTransport) RecvMsg(idx vf.Idx) ([4]uint32, bool)    { return [4]uint32{}, false }
func (fakeTransport) SendMsg(idx vf.Idx, msg [4]uint32) error { return nil }
func (fakeTransport) AckPending(idx vf.Idx) bool              { return true }

func newTestDevice(t *testing.T) (*Library, DeviceHandle) {
	t.Helper()

	l := Init()
	sim := asic.NewSim()
	cfg := &config.InitData{NumVF: 2, BadPageRecordThreshold: 100}

	h, code := l.DeviceInit(context.Background(), cfg, config.DefaultDevConf(cfg.NumVF), sim, sim, fakeTransport{}, &fakeClock{}, &fakePrinter{}, nil, nil)
	if code != Success {
		t.Fatalf("DeviceInit: code=%s", code)
	}

	return l, h
}

func TestDeviceInitFiniLifecycle(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)

	if status, code := l.GetDevStatus(h); code != Success {
		t.Fatalf("GetDevStatus: code=%s", code)
	} else if status.String() != "HW_INIT" {
		t.Fatalf("status = %s, want HW_INIT", status)
	}

	if code := l.DeviceFini(h, FiniNormal); code != Success {
		t.Fatalf("DeviceFini: code=%s", code)
	}

	if _, code := l.GetDevStatus(h); code == Success {
		t.Fatalf("GetDevStatus after fini: want failure, got success")
	}
}

func TestBadHandleIsRecordedInErrorRing(t *testing.T) {
	t.Parallel()

	l := Init()

	if code := l.FreeVF(InvalidHandle, vf.Idx(0)); code != Failure {
		t.Fatalf("FreeVF with bad handle: code=%s, want FAILURE", code)
	}

	ring := l.ErrorRing()
	if len(ring) != 1 || ring[0] != Failure {
		t.Fatalf("ErrorRing = %v, want [FAILURE]", ring)
	}
}

func TestAllocateSetFreeVFLifecycle(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.AllocateVF(h, idx); code != Success {
		t.Fatalf("AllocateVF: code=%s", code)
	}

	if code := l.SetVF(h, idx, 0, 512, vf.BlockGFX, 1000); code != Success {
		t.Fatalf("SetVF: code=%s", code)
	}

	info, code := l.GetVFInfo(h, idx, VFInfoFB)
	if code != Success {
		t.Fatalf("GetVFInfo: code=%s", code)
	}

	if info.FBSizeMB != 512 {
		t.Fatalf("FBSizeMB = %d, want 512", info.FBSizeMB)
	}

	if code := l.FreeVF(h, idx); code != Success {
		t.Fatalf("FreeVF: code=%s", code)
	}
}

func TestGetPF2VFInfoReflectsSetVF(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.AllocateVF(h, idx); code != Success {
		t.Fatalf("AllocateVF: code=%s", code)
	}

	if code := l.SetVF(h, idx, 256, 2048, vf.BlockGFX, 1000); code != Success {
		t.Fatalf("SetVF: code=%s", code)
	}

	info, validChecksum, ok, code := l.GetPF2VFInfo(h, idx)
	if code != Success {
		t.Fatalf("GetPF2VFInfo: code=%s", code)
	}

	if !ok {
		t.Fatal("expected PF2VFInfo to be posted by set_vf")
	}

	if !validChecksum {
		t.Fatal("expected a valid checksum on a freshly posted PF2VFInfo")
	}

	if info.FBOffsetMB != 256 || info.FBSizeMB != 2048 {
		t.Fatalf("unexpected PF2VFInfo: %+v", info)
	}
}

func TestGetVF2PFInfoReportsNotPostedUntilGuestWrites(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.AllocateVF(h, idx); code != Success {
		t.Fatalf("AllocateVF: code=%s", code)
	}

	if _, _, ok, code := l.GetVF2PFInfo(h, idx); ok || code != Success {
		t.Fatalf("expected ok=false, code=Success before the guest posts anything; got ok=%v code=%s", ok, code)
	}
}

func TestGetVFInfoRejectsOutOfRangeIndex(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)

	if _, code := l.GetVFInfo(h, vf.Idx(vf.MaxSlot+1), VFInfoSchedState); code != CodeIOV {
		t.Fatalf("GetVFInfo out of range: code=%s, want CodeIOV", code)
	}
}

func TestGuardConfigRoundTrip(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.SetGuardConfig(h, idx, 0, 5_000_000, 3); code != Success {
		t.Fatalf("SetGuardConfig: code=%s", code)
	}

	info, code := l.GetGuardInfo(h, idx, 0)
	if code != Success {
		t.Fatalf("GetGuardInfo: code=%s", code)
	}

	if info.IntervalUS != 5_000_000 || info.Threshold != 3 {
		t.Fatalf("GetGuardInfo = %+v, want interval=5000000 threshold=3", info)
	}
}

func TestRasFeatureToggleTracksPoisonMode(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)

	if code := l.DisableRasFeature(h); code != Success {
		t.Fatalf("DisableRasFeature: code=%s", code)
	}

	if enabled, code := l.RasGetEccBlockInfo(h); code != Success || enabled {
		t.Fatalf("RasGetEccBlockInfo after disable: enabled=%v code=%s, want false/SUCCESS", enabled, code)
	}

	if code := l.EnableRasFeature(h); code != Success {
		t.Fatalf("EnableRasFeature: code=%s", code)
	}

	if enabled, code := l.RasGetEccBlockInfo(h); code != Success || !enabled {
		t.Fatalf("RasGetEccBlockInfo after enable: enabled=%v code=%s, want true/SUCCESS", enabled, code)
	}
}

func TestFfbmMappingRoundTrip(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.FfbmVfMapping(h, idx, 0x1000, 0x2000); code != Success {
		t.Fatalf("FfbmVfMapping: code=%s", code)
	}

	gpa, found, code := l.FfbmFindGpa(h, idx, 0x1000)
	if code != Success || !found || gpa != 0x2000 {
		t.Fatalf("FfbmFindGpa = (%d, %v), code=%s, want (0x2000, true)", gpa, found, code)
	}

	spa, found, code := l.FfbmFindSpa(h, idx, 0x2000)
	if code != Success || !found || spa != 0x1000 {
		t.Fatalf("FfbmFindSpa = (%d, %v), code=%s, want (0x1000, true)", spa, found, code)
	}

	if code := l.FfbmClearVfMapping(h, idx); code != Success {
		t.Fatalf("FfbmClearVfMapping: code=%s", code)
	}

	if _, found, _ := l.FfbmFindGpa(h, idx, 0x1000); found {
		t.Fatalf("FfbmFindGpa after clear: found=true, want false")
	}
}

func TestExportAllLiveInfoDataImportRoundTrip(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.AllocateVF(h, idx); code != Success {
		t.Fatalf("AllocateVF: code=%s", code)
	}

	data, code := l.ExportAllLiveInfoData(h)
	if code != Success {
		t.Fatalf("ExportAllLiveInfoData: code=%s", code)
	}

	if len(data) == 0 {
		t.Fatalf("ExportAllLiveInfoData returned empty payload")
	}

	if code := l.ImportAllLiveInfoData(h, data); code != Success {
		t.Fatalf("ImportAllLiveInfoData: code=%s", code)
	}

	info, code := l.GetVFInfo(h, idx, VFInfoSchedState)
	if code != Success {
		t.Fatalf("GetVFInfo: code=%s", code)
	}

	if info.State != vf.Avail {
		t.Fatalf("state after import = %s, want AVAIL", info.State)
	}
}

func TestLiveUpdateStateToggle(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)

	if enabled, code := l.GetLiveUpdateState(h); code != Success || enabled {
		t.Fatalf("GetLiveUpdateState = %v, code=%s, want false/SUCCESS", enabled, code)
	}

	if code := l.SetLiveUpdateState(h, true); code != Success {
		t.Fatalf("SetLiveUpdateState: code=%s", code)
	}

	if enabled, code := l.GetLiveUpdateState(h); code != Success || !enabled {
		t.Fatalf("GetLiveUpdateState = %v, code=%s, want true/SUCCESS", enabled, code)
	}
}

func TestExportImportLiveInfoDataByOp(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)
	idx := vf.Idx(0)

	if code := l.AllocateVF(h, idx); code != Success {
		t.Fatalf("AllocateVF: code=%s", code)
	}

	vfChunk, code := l.ExportLiveInfoData(h, OpVFState)
	if code != Success {
		t.Fatalf("ExportLiveInfoData(OpVFState): code=%s", code)
	}

	if code := l.ImportLiveInfoData(h, OpVFState, vfChunk); code != Success {
		t.Fatalf("ImportLiveInfoData(OpVFState): code=%s", code)
	}

	guardChunk, code := l.ExportLiveInfoData(h, OpGuardState)
	if code != Success {
		t.Fatalf("ExportLiveInfoData(OpGuardState): code=%s", code)
	}

	if code := l.ImportLiveInfoData(h, OpGuardState, guardChunk); code != Success {
		t.Fatalf("ImportLiveInfoData(OpGuardState): code=%s", code)
	}
}

func TestGetDiagDataReportsBadPageCount(t *testing.T) {
	t.Parallel()

	l, h := newTestDevice(t)

	snap, code := l.GetDiagData(h, 0, 0, nil)
	if code != Success {
		t.Fatalf("GetDiagData: code=%s", code)
	}

	if snap.BadPageCount != 0 {
		t.Fatalf("BadPageCount = %d, want 0", snap.BadPageCount)
	}

	if len(snap.MCAStates) == 0 {
		t.Fatalf("MCAStates is empty, want one entry per VF slot")
	}
}
