// Package hypervisor wires the core packages (stage2, vcpu, fault, vgic,
// timer, sched, psci) into one runnable VM: a single object that owns a
// guest's address space, interrupt controller, power state, and the
// per-VCPU contexts that share them, and exposes the loop an embedding
// program drives to actually run guest code (spec.md §4.I).
//
// Grounded on the teacher's Machine: a single struct that owns every
// per-VM resource (vcpuFds, runs, pci, serial) and exposes RunInfiniteLoop
// as the thing main() calls, with RunOnce doing the actual
// exit-reason switch per CPU (machine/machine.go). This package
// generalizes that shape from "one x86 guest with a fixed device model"
// to "one or more ARMv8 VCPUs sharing Stage-2 and a VGIC distributor".
package hypervisor

import (
	"errors"
	"log"

	"github.com/ferrovisor/ferrovisor/fault"
	"github.com/ferrovisor/ferrovisor/psci"
	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/stage2"
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/sysregemu"
	"github.com/ferrovisor/ferrovisor/timer"
	"github.com/ferrovisor/ferrovisor/vcpu"
	"github.com/ferrovisor/ferrovisor/vgic"
	"github.com/ferrovisor/ferrovisor/vmid"
)

// LifecycleSink receives VM-wide shutdown/reset notifications raised by a
// guest's PSCI SYSTEM_OFF/SYSTEM_RESET call (SPEC_FULL.md §6 "the external
// VM lifecycle manager"). Identical in shape to psci.LifecycleSink by
// design: a Sink value satisfies both without either package importing
// the other.
type LifecycleSink interface {
	SystemOff(vm vmid.ID)
	SystemReset(vm vmid.ID)
}

// ErrNoVCPU is returned when a caller names a VCPU index outside
// [0, NumVCPU).
var ErrNoVCPU = errors.New("hypervisor: vcpu index out of range")

// pstateEL1hDAIFMasked is the SPSR_EL2 value a freshly powered-on VCPU
// enters the guest with: EL1h, all of D/A/I/F masked, matching the PSCI
// CPU_ON "entry conditions" (ARM DEN 0022 §5.1.2: interrupts masked until
// the guest's own EL1 vector unmasks them).
const pstateEL1hDAIFMasked = 0x3c5

// timerPPIPriority is the fixed priority the virtual timer PPI is
// injected with; the guest itself never programs a priority for it,
// unlike an SPI a device model configures explicitly.
const timerPPIPriority = 0x80

// Config describes one VM's static configuration: Stage-2 geometry,
// VGIC list-register encoding, per-VCPU hardware backends, and the
// collaborators a fault.Dispatcher needs (SPEC_FULL.md §4.I).
type Config struct {
	IPABits   int
	Granule   stage2.Granule
	Caps      stage2.Capabilities
	VMIDWidth vmid.Width
	Mem       stage2.Memory
	TLB       stage2.TLB

	NumVCPU  int
	Backends []vcpu.Backend // len == NumVCPU, indexed by VCPU index
	Codec    vgic.ListRegisterCodec

	MIDR    sysreg.MIDR
	MPIDROf func(index int) sysreg.MPIDR

	BootVCPU int
	WFIMode  sched.Mode

	// HostCounter returns the host's free-running physical counter value,
	// the stand-in for a CNTPCT_EL0 read this software model samples to
	// drive each VCPU's virtual timer (spec.md §4.G). A nil HostCounter
	// disables timer injection entirely.
	HostCounter func() uint64

	Sink   LifecycleSink
	Logger *log.Logger
}

// Vcpu bundles one VCPU's register context with the per-VCPU
// collaborators (VGIC CPU interface, virtual timer, PSCI endpoint, fault
// dispatcher) it needs to run independently of every other VCPU in the
// VM (spec.md §3 VcpuContext, §5 "Two VCPUs belonging to different VMs
// ... run fully in parallel").
type Vcpu struct {
	index    int
	ctx      *vcpu.VcpuContext
	backend  vcpu.Backend
	dispatch *fault.Dispatcher
	vgic     *vgic.PerVCPU
	timer    *timer.VirtualTimer
}

// Context returns this VCPU's register/system-register state, for the
// caller to seed PC/GPRegs[0] before the first Run (e.g. the boot VCPU's
// kernel entry point and device-tree pointer).
func (c *Vcpu) Context() *vcpu.VcpuContext { return c.ctx }

// Timer returns this VCPU's virtual timer, for the orchestration layer to
// poll ExpiresAt and inject the virtual timer PPI via VGIC.
func (c *Vcpu) Timer() *timer.VirtualTimer { return c.timer }

// VGIC returns this VCPU's GIC CPU-interface/list-register state, for
// injecting interrupts targeted at it directly (spec.md §4.F inject).
func (c *Vcpu) VGIC() *vgic.PerVCPU { return c.vgic }

// VM owns one guest's Stage-2 context, VGIC distributor, PSCI gateway,
// scheduler, and the slice of VCPUs that share them.
type VM struct {
	id          vmid.ID
	stage2      *stage2.VM
	dist        *vgic.Distributor
	psci        *psci.Dispatcher
	sched       *sched.CooperativeScheduler
	vcpus       []*Vcpu
	vmid16      bool
	hostCounter func() uint64
	sink        LifecycleSink
	logger      *log.Logger
}

// NewVM allocates a VMID, builds the Stage-2 context, the VGIC
// distributor, the PSCI dispatcher, and one Vcpu per cfg.NumVCPU, wiring
// each one's fault.Dispatcher to this VM's shared collaborators (spec.md
// §4.B create_context, §4.I VM creation).
func NewVM(pool *vmid.Pool, cfg Config) (*VM, error) {
	if cfg.NumVCPU <= 0 || len(cfg.Backends) != cfg.NumVCPU {
		return nil, errors.New("hypervisor: Backends must have exactly NumVCPU entries")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	s2, err := stage2.NewVM(cfg.IPABits, cfg.Granule, cfg.Caps, pool, cfg.Mem, cfg.TLB)
	if err != nil {
		return nil, err
	}

	dist := vgic.NewDistributor(cfg.NumVCPU)
	scheduler := sched.NewCooperativeScheduler()

	vm := &VM{
		id:          s2.VMID(),
		stage2:      s2,
		dist:        dist,
		sched:       scheduler,
		vmid16:      cfg.VMIDWidth == vmid.Width16,
		hostCounter: cfg.HostCounter,
		sink:        cfg.Sink,
		logger:      logger,
	}

	mpidrOf := func(i int) uint64 { return cfg.MPIDROf(i).Read() }
	vm.psci = psci.NewDispatcher(s2.VMID(), cfg.NumVCPU, mpidrOf, cfg.BootVCPU, scheduler, vm, logger)

	vm.vcpus = make([]*Vcpu, cfg.NumVCPU)
	for i := 0; i < cfg.NumVCPU; i++ {
		vm.vcpus[i] = vm.newVcpu(i, cfg)
	}

	return vm, nil
}

func (v *VM) newVcpu(i int, cfg Config) *Vcpu {
	ctx := vcpu.New()

	t0sz, sl0, tg0, ps := v.stage2.Mode().VTCR0()
	ctx.VTCR = sysreg.NewVTCR(t0sz, sl0, tg0, ps)
	ctx.VTTBR = sysreg.NewVTTBR(uint64(v.stage2.Root()), uint64(v.stage2.VMID()), v.vmid16)
	ctx.HCR = sysreg.DefaultGuestHCR(true)

	perVCPUGIC := vgic.NewPerVCPU(ctx, v.dist, cfg.Codec, i)
	virtTimer := timer.New(&ctx.Timer)

	wfi := sched.WFIPolicy{Sched: v.sched, Self: sched.VcpuID(i), Mode: cfg.WFIMode}

	dispatch := &fault.Dispatcher{
		Sysregs: sysregemu.NewDispatcher(cfg.MIDR, cfg.MPIDROf(i), v.logger),
		Stage:   v.stage2,
		ICC:     perVCPUGIC,
		SMC:     v.psci.ForVCPU(i),
		WFI:     wfi,
		Logger:  v.logger,
	}

	return &Vcpu{
		index:    i,
		ctx:      ctx,
		backend:  cfg.Backends[i],
		dispatch: dispatch,
		vgic:     perVCPUGIC,
		timer:    virtTimer,
	}
}

// VMID returns the VMID this VM's Stage-2 tables are tagged with.
func (v *VM) VMID() vmid.ID { return v.id }

// NumVCPU returns how many VCPUs this VM has.
func (v *VM) NumVCPU() int { return len(v.vcpus) }

// Vcpu returns the indexed VCPU, or nil if i is out of range.
func (v *VM) Vcpu(i int) *Vcpu {
	if i < 0 || i >= len(v.vcpus) {
		return nil
	}

	return v.vcpus[i]
}

// Stage2 returns the VM's Stage-2 context, for map_range/unmap_range calls
// made before or during the VM's lifetime.
func (v *VM) Stage2() *stage2.VM { return v.stage2 }

// Distributor returns the VM's shared VGIC distributor, for SPI
// configuration and injection from outside any particular VCPU's trap
// handler (e.g. a virtual device model delivering an SPI).
func (v *VM) Distributor() *vgic.Distributor { return v.dist }

// PowerState reports the PSCI power state of VCPU i.
func (v *VM) PowerState(i int) psci.PowerState {
	return v.psci.VCPUState(i).State
}

// Run drives exactly one world switch on VCPU cpu and returns the
// resulting Resolution, mirroring the teacher's Machine.RunOnce (one
// KVM_RUN ioctl, one exit-reason dispatch) generalized to one
// vcpu.RunOnce call. vcpu.Halt means this VCPU must not be scheduled
// again until something powers it back on: either its "must exit" flag
// was set by a VM-wide shutdown, it is not PSCI-On (e.g. it just called
// CPU_OFF, or is waiting for CPU_ON), or the exit handled during this
// very call was the CPU_OFF itself.
func (v *VM) Run(cpu int) (vcpu.Resolution, error) {
	vc := v.Vcpu(cpu)
	if vc == nil {
		return vcpu.Halt, ErrNoVCPU
	}

	if vc.ctx.MustExit() {
		vc.ctx.ClearExit()
		return vcpu.Halt, nil
	}

	if v.PowerState(cpu) != psci.On {
		return vcpu.Halt, nil
	}

	v.deliverTimer(vc)

	res := vcpu.RunOnce(vc.ctx, vc.backend, vc.dispatch)
	vc.vgic.ScanEOI(nil)
	vc.vgic.RetryAllPending()

	return res, nil
}

// deliverTimer injects the virtual timer PPI (timer.VirtualTimerPPI) if
// vc's virtual timer has reached its compare value as of the current
// host counter sample (spec.md §4.G: the hypervisor polls the virtual
// timer and injects its PPI via the VGIC). A nil hostCounter (no
// HostCounter configured) disables this entirely.
func (v *VM) deliverTimer(vc *Vcpu) {
	if v.hostCounter == nil {
		return
	}

	if fire, _ := vc.timer.ExpiresAt(v.hostCounter()); fire {
		_ = vc.vgic.Inject(timer.VirtualTimerPPI, timerPPIPriority, vgic.Group1, nil)
	}
}

// TryBringUp checks whether PSCI CPU_ON has targeted VCPU cpu since it
// last ran and, if so, seeds its entry PC/context-ID and acknowledges the
// transition to On (spec.md §4.H "power-on of secondary CPUs via PSCI").
// The orchestration layer calls this before scheduling a VCPU that isn't
// already running, including the very first time for every non-boot
// VCPU.
func (v *VM) TryBringUp(cpu int) bool {
	vc := v.Vcpu(cpu)
	if vc == nil {
		return false
	}

	st := v.psci.VCPUState(cpu)
	if st.State != psci.OnPending {
		return false
	}

	vc.ctx.PC = st.EntryPoint
	vc.ctx.GPRegs[0] = st.ContextID
	vc.ctx.PSTATE = pstateEL1hDAIFMasked

	v.psci.AckOn(cpu)

	return true
}

// RequestShutdown forces every VCPU to exit RunOnce with vcpu.Halt the
// next time it is scheduled, for an external SYSTEM_OFF/SYSTEM_RESET
// notification (delivered via SystemOff/SystemReset below) to actually
// stop the VM rather than merely being logged.
func (v *VM) RequestShutdown() {
	for _, vc := range v.vcpus {
		vc.ctx.RequestExit()
	}
}

// SystemOff implements psci.LifecycleSink and hypervisor.LifecycleSink:
// it halts every VCPU and forwards the notification to the VM's own
// external sink, if any.
func (v *VM) SystemOff(vm vmid.ID) {
	v.RequestShutdown()

	if v.sink != nil {
		v.sink.SystemOff(vm)
	}
}

// SystemReset implements psci.LifecycleSink and hypervisor.LifecycleSink,
// analogous to SystemOff.
func (v *VM) SystemReset(vm vmid.ID) {
	v.RequestShutdown()

	if v.sink != nil {
		v.sink.SystemReset(vm)
	}
}
