package vcpu_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

type recordingHandler struct {
	calls []vcpu.ExitInfo
	next  vcpu.Resolution
}

func (h *recordingHandler) HandleExit(vc *vcpu.VcpuContext, info vcpu.ExitInfo) vcpu.Resolution {
	h.calls = append(h.calls, info)
	return h.next
}

func TestRunOnceProgramsStage2AndTraps(t *testing.T) {
	vc := vcpu.New()
	vc.VTTBR = sysreg.NewVTTBR(0x8000_0000, 7, false)
	vc.HCR = sysreg.DefaultGuestHCR(true)

	hw := &vcpu.SimBackend{}
	handler := &recordingHandler{next: vcpu.Resume}

	res := vcpu.RunOnce(vc, hw, handler)

	if res != vcpu.Resume {
		t.Fatalf("Resolution = %v, want Resume", res)
	}

	if hw.StageVTTBR != vc.VTTBR.Read() {
		t.Fatalf("StageVTTBR = %#x, want %#x", hw.StageVTTBR, vc.VTTBR.Read())
	}

	if !hw.Entered {
		t.Fatal("expected Enter to be called")
	}

	if !hw.SwitchedToHostTraps {
		t.Fatal("expected exit sequence to switch HCR to host traps")
	}

	if len(handler.calls) != 1 {
		t.Fatalf("expected exactly one HandleExit call, got %d", len(handler.calls))
	}
}

// TestLazyFPCleanEntrySkipsRestore covers spec.md §8 property 9 first
// half: a Clean-state entry with no guest FP use leaves the host FP bank
// untouched (SimBackend.RestoreFP never called).
func TestLazyFPCleanEntrySkipsRestore(t *testing.T) {
	vc := vcpu.New() // Lazy defaults to Clean

	hw := &vcpu.SimBackend{Queue: []vcpu.ExitInfo{{FPDirty: false}}}
	handler := &recordingHandler{next: vcpu.Resume}

	vcpu.RunOnce(vc, hw, handler)

	if hw.RestoredFP != nil {
		t.Fatal("expected RestoreFP not to be called for a Clean VCPU")
	}

	if vc.Lazy != vcpu.Clean {
		t.Fatalf("Lazy = %v, want Clean", vc.Lazy)
	}
}

// TestFPUseMarksCleanAfterSave covers spec.md §8 property 9 second half:
// once the guest uses FP (FPDirty on exit), the state is captured and the
// machine returns to Clean (ready to trap first use again next entry,
// per this implementation's policy of always re-arming CPTR.TFP).
func TestFPUseMarksCleanAfterSave(t *testing.T) {
	vc := vcpu.New()
	vc.Lazy = vcpu.Active

	var wantFP vcpu.FPState
	wantFP.V[0] = [2]uint64{0xAAAA, 0xBBBB}

	hw := &vcpu.SimBackend{Queue: []vcpu.ExitInfo{{FPDirty: true, FP: wantFP}}}
	handler := &recordingHandler{next: vcpu.Resume}

	vcpu.RunOnce(vc, hw, handler)

	if hw.RestoredFP == nil {
		t.Fatal("expected RestoreFP to be called for an Active VCPU")
	}

	if vc.FP.V[0] != wantFP.V[0] {
		t.Fatalf("FP.V[0] = %+v, want %+v", vc.FP.V[0], wantFP.V[0])
	}

	if vc.Lazy != vcpu.Clean {
		t.Fatalf("Lazy = %v, want Clean after save", vc.Lazy)
	}
}

// TestVGICStateRoundTripsThroughRunOnce confirms RunOnce pushes the
// pre-entry VGIC shadow to the backend and adopts whatever the backend
// saved back on exit (spec.md §4.F entry/exit restore-save).
func TestVGICStateRoundTripsThroughRunOnce(t *testing.T) {
	vc := vcpu.New()
	vc.VGIC.HCR = 0x1
	vc.VGIC.NumLR = 4

	wantExit := vc.VGIC
	wantExit.LR[0] = 0xDEAD
	wantExit.Used = 0x1

	hw := &vcpu.SimBackend{Queue: []vcpu.ExitInfo{{VGIC: wantExit}}}
	handler := &recordingHandler{next: vcpu.Resume}

	vcpu.RunOnce(vc, hw, handler)

	if hw.RestoredVGIC.HCR != 0x1 {
		t.Fatalf("RestoredVGIC.HCR = %#x, want 0x1", hw.RestoredVGIC.HCR)
	}

	if vc.VGIC.LR[0] != 0xDEAD || vc.VGIC.Used != 0x1 {
		t.Fatalf("VGIC after exit = %+v, want LR[0]=0xDEAD Used=0x1", vc.VGIC)
	}
}

func TestRequestExitIsObservable(t *testing.T) {
	vc := vcpu.New()

	if vc.MustExit() {
		t.Fatal("expected MustExit false initially")
	}

	vc.RequestExit()

	if !vc.MustExit() {
		t.Fatal("expected MustExit true after RequestExit")
	}

	vc.ClearExit()

	if vc.MustExit() {
		t.Fatal("expected MustExit false after ClearExit")
	}
}
