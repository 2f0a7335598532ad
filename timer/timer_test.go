package timer_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/timer"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

func TestVirtualCountSubtractsOffset(t *testing.T) {
	vc := vcpu.New()
	vt := timer.New(&vc.Timer)

	vt.SetOffset(1000)

	if got := vt.VirtualCount(1500); got != 500 {
		t.Fatalf("VirtualCount = %d, want 500", got)
	}
}

func TestExpiresAtReportsRemainingTicks(t *testing.T) {
	vc := vcpu.New()
	vt := timer.New(&vc.Timer)

	vt.SetOffset(0)
	vt.SetCompare(1000)
	vc.Timer.CNTVCtl = 0b1 // ENABLE, not masked

	fire, remaining := vt.ExpiresAt(400)
	if fire {
		t.Fatal("expected timer not to have fired yet")
	}

	if remaining != 600 {
		t.Fatalf("remaining = %d, want 600", remaining)
	}

	fire, remaining = vt.ExpiresAt(1000)
	if !fire || remaining != 0 {
		t.Fatalf("at compare value: fire=%v remaining=%d, want true/0", fire, remaining)
	}
}

func TestExpiresAtNeverFiresWhenDisabled(t *testing.T) {
	vc := vcpu.New()
	vt := timer.New(&vc.Timer)

	vt.SetCompare(10)
	vc.Timer.CNTVCtl = 0 // disabled

	if fire, _ := vt.ExpiresAt(1_000_000); fire {
		t.Fatal("expected a disabled timer never to report fire")
	}
}

func TestExpiresAtMaskedNeverFires(t *testing.T) {
	vc := vcpu.New()
	vt := timer.New(&vc.Timer)

	vt.SetCompare(10)
	vc.Timer.CNTVCtl = 0b11 // ENABLE + IMASK

	if fire, _ := vt.ExpiresAt(1_000_000); fire {
		t.Fatal("expected a masked timer never to report fire")
	}
}

func TestTrapPolicyRoundTrips(t *testing.T) {
	trapped := timer.TrapPolicy(0, true)
	untrapped := timer.TrapPolicy(trapped, false)

	if trapped == untrapped {
		t.Fatal("expected trap policy bits to actually change")
	}
}
