// Package config carries the init-data blob and the enumerated dev_conf
// option set from spec.md §6.4, decoded from YAML — the persistent-option
// analogue of the teacher's flag.BootArgs (flag/flag.go), upgraded from
// command-line flags to a loadable document since these options outlive a
// single process invocation.
package config

import (
	"fmt"

	yaml "gopkg.in/yaml.v2"
)

// BadPageDetectionMode controls how the RAS reactor treats the retired-page
// EEPROM threshold (spec.md §6.4).
type BadPageDetectionMode int

const (
	BadPageDetectionOff BadPageDetectionMode = iota
	// BadPageDetectionMode1 skips retirement and ignores RMA transitions.
	BadPageDetectionMode1
	// BadPageDetectionMode2 retires pages but ignores RMA transitions.
	BadPageDetectionMode2
)

// ForceResetMode selects the reset flavor whole_gpu_reset uses.
type ForceResetMode int

const (
	ForceResetOff ForceResetMode = iota
	ForceResetBACO
	ForceResetMode1
)

// InitData is the configuration blob passed to device_init (spec.md §6.4).
type InitData struct {
	NumVF               int  `yaml:"num_vf"`
	MaxNumVF            int  `yaml:"max_num_vf"`
	UsePF               bool `yaml:"use_pf"`
	AllowTimeFullAccess int  `yaml:"allow_time_full_access_ms"` // 0 => default

	BadPageDetectionMode   BadPageDetectionMode `yaml:"bad_page_detection_mode"`
	BadPageRecordThreshold int                  `yaml:"bad_page_record_threshold"`

	SkipHWInit            bool `yaml:"skip_hw_init"`
	DebugDumpReserveSizeMB int  `yaml:"debug_dump_reserve_size_mb"`

	Flags Flags `yaml:"flags"`
}

// Flags are the boolean options enumerated in spec.md §6.4.
type Flags struct {
	DisableSelfSwitch     bool `yaml:"disable_self_switch"`
	DisableMMIOProtection bool `yaml:"disable_mmio_protection"`
	SensitiveEventGuard   bool `yaml:"sensitive_event_guard"`
	VFFBProtection        bool `yaml:"vf_fb_protection"`
	GPUVLiveUpdate        bool `yaml:"gpuv_live_update"`
	WSRecord              bool `yaml:"ws_record"`
	DebugDumpEnable       bool `yaml:"debug_dump_enable"`
	PerfLogEnable         bool `yaml:"perf_log_enable"`
	SkipBadPageRetirement bool `yaml:"skip_bad_page_retirement"`
	IPSPowerSaving        bool `yaml:"ips_power_saving"`
	PoisonModeDisabled    bool `yaml:"poison_mode_disabled"`
	HangResetFlag         bool `yaml:"hang_reset_flag"`
}

// AsymTimeSlice is a per-VF time-slice override (spec.md §6.4).
type AsymTimeSlice struct {
	VFIdx uint32 `yaml:"vf_idx"`
	US    uint64 `yaml:"us"`
}

// AsymFB is a per-VF framebuffer override.
type AsymFB struct {
	VFIdx       uint32 `yaml:"vf_idx"`
	MB          uint64 `yaml:"mb"`
	Defragment  bool   `yaml:"defragment"`
}

// DevConf is the full enumerated get_dev_conf/set_dev_conf option set
// (spec.md §6.4).
type DevConf struct {
	LogLevel int  `yaml:"log_level"`
	LogMask  uint64 `yaml:"log_mask"`

	GuardEnabled bool `yaml:"guard_enabled"`

	ForceReset     ForceResetMode `yaml:"force_reset"`
	SelfSwitchOff  bool           `yaml:"self_switch_off"`
	ClearVFFB      bool           `yaml:"clear_vf_fb"`
	ResetGPUMode   int            `yaml:"reset_gpu_mode"`
	HangDebug      bool           `yaml:"hang_debug"`

	CmdTimeoutUS        uint64 `yaml:"cmd_timeout_us"`
	FullAccessTimeoutMS uint64 `yaml:"full_access_timeout_ms"`
	ForceSwitchVFIdx    int32  `yaml:"force_switch_vf_idx"` // -1 => disabled

	MMIOProtection bool `yaml:"mmio_protection"`
	PSPVFGate      bool `yaml:"psp_vf_gate"`

	HybridLiquidMinTimesliceUS uint64 `yaml:"hybrid_liquid_min_timeslice_us"`
	HangDetectThresholdUS      uint64 `yaml:"hang_detect_threshold_us"`
	HangDetectDurationUS       uint64 `yaml:"hang_detect_duration_us"`

	AsymTimeSlices []AsymTimeSlice `yaml:"asym_time_slices"`
	AsymFBs        []AsymFB        `yaml:"asym_fbs"`

	BadPageDetectionMode BadPageDetectionMode `yaml:"bad_page_detection_mode"`
	SkipBadPageRetire    bool                 `yaml:"skip_bad_page_retire"`

	ErrorDumpStackMax    int    `yaml:"error_dump_stack_max"`
	ErrorDumpFilterMask  uint64 `yaml:"error_dump_filter_mask"`
}

// DefaultDevConf returns the factory option set matching spec.md §4.3's
// numeric defaults (3000ms single-VF / 600ms multi-VF full-access window).
func DefaultDevConf(numVF int) DevConf {
	window := uint64(600)
	if numVF <= 1 {
		window = 3000
	}

	return DevConf{
		LogLevel:                  2,
		GuardEnabled:               true,
		ForceReset:                 ForceResetBACO,
		CmdTimeoutUS:               100_000,
		FullAccessTimeoutMS:        window,
		ForceSwitchVFIdx:           -1,
		MMIOProtection:             true,
		PSPVFGate:                  true,
		HybridLiquidMinTimesliceUS: 1_000,
		ErrorDumpStackMax:          32,
	}
}

// AllowTimeFullAccessUS returns the effective full-access window in
// microseconds, clamped to the spec's hard upper bound of 500_000ms.
func (c DevConf) AllowTimeFullAccessUS() uint64 {
	ms := c.FullAccessTimeoutMS
	const maxMS = 500_000

	if ms == 0 {
		ms = 600
	}

	if ms > maxMS {
		ms = maxMS
	}

	return ms * 1000
}

// Load decodes an InitData document from YAML bytes.
func Load(b []byte) (*InitData, error) {
	var d InitData
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("config: decode init data: %w", err)
	}

	if d.NumVF < 1 {
		d.NumVF = 1
	}

	if d.MaxNumVF < d.NumVF {
		d.MaxNumVF = d.NumVF
	}

	return &d, nil
}

// Marshal encodes an InitData document back to YAML.
func Marshal(d *InitData) ([]byte, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("config: encode init data: %w", err)
	}

	return b, nil
}
