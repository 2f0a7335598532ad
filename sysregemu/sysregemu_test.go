package sysregemu_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/sysregemu"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

func TestMIDRReadIsConfiguredValue(t *testing.T) {
	midr := sysreg.NewMIDR(0x410F_D083)
	d := sysregemu.NewDispatcher(midr, sysreg.NewMPIDR(0, 0, 0, 0), nil)
	vc := vcpu.New()

	iss := sysreg.MSRMRSISS{Op0: 3, Op1: 0, CRn: 0, CRm: 0, Op2: 0, Rt: 5, Direction: sysreg.DirRead}

	if res := d.Dispatch(vc, iss); res != sysregemu.Ok {
		t.Fatalf("Dispatch = %v, want Ok", res)
	}

	if vc.GPRegs[5] != 0x410F_D083 {
		t.Fatalf("GPRegs[5] = %#x, want MIDR value", vc.GPRegs[5])
	}
}

func TestMIDRWriteIsReadOnly(t *testing.T) {
	d := sysregemu.NewDispatcher(sysreg.NewMIDR(0x410F_D083), sysreg.NewMPIDR(0, 0, 0, 0), nil)
	vc := vcpu.New()
	vc.GPRegs[2] = 0xdead

	iss := sysreg.MSRMRSISS{Op0: 3, Op1: 0, CRn: 0, CRm: 0, Op2: 0, Rt: 2, Direction: sysreg.DirWrite}

	if res := d.Dispatch(vc, iss); res != sysregemu.ReadOnly {
		t.Fatalf("Dispatch = %v, want ReadOnly", res)
	}
}

// TestSCTLRWriteThenReadRoundTrips covers spec.md §8 scenario S4.
func TestSCTLRWriteThenReadRoundTrips(t *testing.T) {
	d := sysregemu.NewDispatcher(sysreg.MIDR{}, sysreg.MPIDR{}, nil)
	vc := vcpu.New()
	vc.GPRegs[5] = 0x30C5183D

	writeISS := sysreg.MSRMRSISS{Op0: 3, Op1: 0, CRn: 1, CRm: 0, Op2: 0, Rt: 5, Direction: sysreg.DirWrite}
	if res := d.Dispatch(vc, writeISS); res != sysregemu.Ok {
		t.Fatalf("write Dispatch = %v, want Ok", res)
	}

	if vc.EL1.SCTLR.Read() != 0x30C5183D {
		t.Fatalf("SCTLR = %#x, want 0x30C5183D", vc.EL1.SCTLR.Read())
	}

	if !vc.EL1.SCTLR.M() {
		t.Fatal("expected SCTLR.M (MMU enable) to be set")
	}

	readISS := sysreg.MSRMRSISS{Op0: 3, Op1: 0, CRn: 1, CRm: 0, Op2: 0, Rt: 9, Direction: sysreg.DirRead}
	d.Dispatch(vc, readISS)

	if vc.GPRegs[9] != 0x30C5183D {
		t.Fatalf("read-back GPRegs[9] = %#x, want 0x30C5183D", vc.GPRegs[9])
	}
}

func TestUnimplementedEncodingReported(t *testing.T) {
	d := sysregemu.NewDispatcher(sysreg.MIDR{}, sysreg.MPIDR{}, nil)
	vc := vcpu.New()

	iss := sysreg.MSRMRSISS{Op0: 3, Op1: 0, CRn: 99, CRm: 0, Op2: 0, Rt: 1}

	if res := d.Dispatch(vc, iss); res != sysregemu.Unimplemented {
		t.Fatalf("Dispatch = %v, want Unimplemented", res)
	}
}

func TestPerformanceCounterWritesAreIgnored(t *testing.T) {
	d := sysregemu.NewDispatcher(sysreg.MIDR{}, sysreg.MPIDR{}, nil)
	vc := vcpu.New()
	vc.GPRegs[0] = 0x1

	iss := sysreg.MSRMRSISS{Op0: 3, Op1: 3, CRn: 9, CRm: 12, Op2: 0, Rt: 0, Direction: sysreg.DirWrite}

	if res := d.Dispatch(vc, iss); res != sysregemu.Ignored {
		t.Fatalf("Dispatch(PMCR write) = %v, want Ignored", res)
	}
}

func TestCP15SCTLRRoundTrip(t *testing.T) {
	d := sysregemu.NewDispatcher(sysreg.MIDR{}, sysreg.MPIDR{}, nil)
	vc := vcpu.New()
	vc.GPRegs[3] = 0xC5187D

	iss := sysreg.CP15ISS{Opc1: 0, CRn: 1, CRm: 0, Opc2: 0, Rt: 3, Direction: sysreg.DirWrite}
	if res := d.DispatchCP15(vc, iss); res != sysregemu.Ok {
		t.Fatalf("DispatchCP15 = %v, want Ok", res)
	}

	if vc.EL1.SCTLR.Read() != 0xC5187D {
		t.Fatalf("SCTLR = %#x, want 0xC5187D", vc.EL1.SCTLR.Read())
	}
}

func TestIsCacheMaintenanceDetection(t *testing.T) {
	if !sysregemu.IsCacheMaintenance(sysreg.CP15ISS{CRn: 7}) {
		t.Fatal("expected CRn=7 to be classified as cache maintenance")
	}

	if sysregemu.IsCacheMaintenance(sysreg.CP15ISS{CRn: 2}) {
		t.Fatal("expected CRn=2 not to be classified as cache maintenance")
	}
}
