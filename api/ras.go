package api

import (
	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/vf"
)

// DisableRasFeature turns the RAS reactor's poison handling off for handle
// (disable_ras_feature).
func (l *Library) DisableRasFeature(handle DeviceHandle) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	a.SetPoisonModeDisabled(true)

	return Success
}

// EnableRasFeature is DisableRasFeature's inverse (enable_ras_feature).
func (l *Library) EnableRasFeature(handle DeviceHandle) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	a.SetPoisonModeDisabled(false)

	return Success
}

// RasTriggerError injects a test MCA bank error (ras_trigger_error); it
// queues the same poison-consumption path a real interrupt would.
func (l *Library) RasTriggerError(handle DeviceHandle, idx vf.Idx, block vf.SchedBlock) Code {
	return l.queueVF(handle, idx, event.SchedRasPoisonConsumption, block)
}

// RasEepromClear clears the durable bad-page record (ras_eeprom_clear).
func (l *Library) RasEepromClear(handle DeviceHandle) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := a.ClearBadPages(); err != nil {
		return l.record(CodeRAS)
	}

	return Success
}

// RasGetBadPageRecordCount reads the current retired page count
// (ras_get_bad_page_record_count).
func (l *Library) RasGetBadPageRecordCount(handle DeviceHandle) (int, Code) {
	a, err := l.get(handle)
	if err != nil {
		return 0, l.record(Failure)
	}

	return a.BadPageCount(), Success
}

// RasGetBadPageInfo reports the bad page count alongside the configured
// threshold (ras_get_bad_page_info's reduced form; per-address detail
// lives in the CPER ring consumed through GetDiagData).
func (l *Library) RasGetBadPageInfo(handle DeviceHandle) (count, threshold int, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return 0, 0, l.record(Failure)
	}

	return a.BadPageCount(), a.BadPageThreshold(), Success
}

// RasGetEccBlockInfo reports whether poison mode is currently enabled for
// handle (ras_get_ecc_block_info's reduced form).
func (l *Library) RasGetEccBlockInfo(handle DeviceHandle) (poisonModeEnabled bool, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return false, l.record(Failure)
	}

	return a.PoisonModeEnabled(), Success
}
