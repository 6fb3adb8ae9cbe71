package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/mxgpuhv/gvcore/api"
	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/config"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/osshim"
	"github.com/mxgpuhv/gvcore/vf"
)

var errBadSubcommand = errors.New("expected 'status', 'allocate', 'free', 'set', 'guard-info' or 'diag' subcommand")

// simTransport is an in-memory mailbox.Transport for the demo device: there
// is no real VF hardware to pass VF2PF/PF2VF DWORDs to, so every call
// reports no pending message, same shape as adapter_test.go's fakeTransport.
type simTransport struct{}

func (simTransport) RecvMsg(vf.Idx) ([4]uint32, bool) { return [4]uint32{}, false }
func (simTransport) SendMsg(vf.Idx, [4]uint32) error  { return nil }
func (simTransport) AckPending(vf.Idx) bool           { return true }

func run(args []string) error {
	if len(args) < 2 {
		return errBadSubcommand
	}

	l, h, err := newDemoLibrary()
	if err != nil {
		return err
	}

	defer l.DeviceFini(h, api.FiniNormal)

	switch args[1] {
	case "status":
		return cmdStatus(l, h)
	case "allocate":
		return cmdAllocate(l, h, args[2:])
	case "free":
		return cmdFree(l, h, args[2:])
	case "set":
		return cmdSet(l, h, args[2:])
	case "guard-info":
		return cmdGuardInfo(l, h, args[2:])
	case "diag":
		return cmdDiag(l, h)
	default:
		return errBadSubcommand
	}
}

// demoNumVF is the fixed VF slot count the demo device reports; a real
// device_init caller loads this from config.InitData instead.
const demoNumVF = 4

// newDemoLibrary wires one Library with a single simulated adapter, the CLI
// analogue of api_test.go's newTestDevice.
func newDemoLibrary() (*api.Library, api.DeviceHandle, error) {
	l := api.Init()
	sim := asic.NewSim()
	cfg := &config.InitData{NumVF: demoNumVF, BadPageRecordThreshold: 100}

	h, code := l.DeviceInit(
		context.Background(),
		cfg,
		config.DefaultDevConf(cfg.NumVF),
		sim,
		sim,
		simTransport{},
		osshim.NewSimClock(0),
		osshim.LinuxPrinter{},
		nil,
		nil,
	)
	if code != api.Success {
		return nil, api.InvalidHandle, fmt.Errorf("device_init: %s", code)
	}

	return l, h, nil
}

func parseIdx(args []string) (vf.Idx, []string, error) {
	if len(args) == 0 {
		return 0, nil, fmt.Errorf("missing vf index argument")
	}

	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, nil, fmt.Errorf("bad vf index %q: %w", args[0], err)
	}

	return vf.Idx(n), args[1:], nil
}

func cmdStatus(l *api.Library, h api.DeviceHandle) error {
	status, code := l.GetDevStatus(h)
	if code != api.Success {
		return fmt.Errorf("get_dev_status: %s", code)
	}

	fmt.Println(status)

	return nil
}

func cmdAllocate(l *api.Library, h api.DeviceHandle, args []string) error {
	idx, _, err := parseIdx(args)
	if err != nil {
		return err
	}

	if code := l.AllocateVF(h, idx); code != api.Success {
		return fmt.Errorf("allocate_vf: %s", code)
	}

	fmt.Printf("allocated %s\n", idx)

	return nil
}

func cmdFree(l *api.Library, h api.DeviceHandle, args []string) error {
	idx, _, err := parseIdx(args)
	if err != nil {
		return err
	}

	if code := l.FreeVF(h, idx); code != api.Success {
		return fmt.Errorf("free_vf: %s", code)
	}

	fmt.Printf("freed %s\n", idx)

	return nil
}

func cmdSet(l *api.Library, h api.DeviceHandle, args []string) error {
	idx, rest, err := parseIdx(args)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fbOffset := fs.Uint64("fb-offset-mb", 0, "FB window offset in MB")
	fbSize := fs.Uint64("fb-size-mb", 512, "FB window size in MB")
	timeSliceUS := fs.Uint64("timeslice-us", 1000, "GFX block time slice in microseconds")

	if err := fs.Parse(rest); err != nil {
		return err
	}

	if code := l.SetVF(h, idx, *fbOffset, *fbSize, vf.BlockGFX, *timeSliceUS); code != api.Success {
		return fmt.Errorf("set_vf: %s", code)
	}

	fmt.Printf("configured %s: fb=[%dMB+%dMB) gfx_timeslice=%dus\n", idx, *fbOffset, *fbSize, *timeSliceUS)

	return nil
}

func cmdGuardInfo(l *api.Library, h api.DeviceHandle, args []string) error {
	idx, _, err := parseIdx(args)
	if err != nil {
		return err
	}

	for kind := guard.FLR; kind <= guard.RASCPERDump; kind++ {
		info, code := l.GetGuardInfo(h, idx, kind)
		if code != api.Success {
			return fmt.Errorf("get_guard_info(%s): %s", kind, code)
		}

		fmt.Printf("%-18s amount=%d threshold=%d state=%v\n", kind, info.Amount, info.Threshold, info.State)
	}

	return nil
}

func cmdDiag(l *api.Library, h api.DeviceHandle) error {
	snap, code := l.GetDiagData(h, 0, 0, nil)
	if code != api.Success {
		return fmt.Errorf("get_diag_data: %s", code)
	}

	fmt.Printf("bad_page_count=%d cper_entries=%d cper_overflow=%d mca_states=%d\n",
		snap.BadPageCount, len(snap.CPERs), snap.CPEROverflow, len(snap.MCAStates))

	return nil
}
