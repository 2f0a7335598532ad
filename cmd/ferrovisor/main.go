// Command ferrovisor is the simulation-harness CLI entry point: it boots
// a synthetic guest image against the reference pagealloc.Arena allocator
// and sched.CooperativeScheduler, then prints an exit trace, the way the
// teacher's main.go hands off to flag.Parse and lets the boot subcommand
// drive machine.Machine.RunInfiniteLoop to completion.
package main

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"sync"
	"time"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/ferrovisor/ferrovisor/config"
	"github.com/ferrovisor/ferrovisor/hypervisor"
	"github.com/ferrovisor/ferrovisor/pagealloc"
	"github.com/ferrovisor/ferrovisor/psci"
	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/stage2"
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
	"github.com/ferrovisor/ferrovisor/vgic"
	"github.com/ferrovisor/ferrovisor/vmid"
)

func main() {
	boot, probeArgs, err := config.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probeArgs != nil {
		runProbe()
		return
	}

	if err := runBoot(boot); err != nil {
		log.Fatal(err)
	}
}

// runProbe reports the reference software model's capabilities, standing
// in for the teacher's probe.KVMCapabilities() (which queries a real
// /dev/kvm): there is no hardware to probe here, so it reports the fixed
// capabilities this module's own Stage-2/VGIC code actually supports.
func runProbe() {
	caps := stage2.DefaultCapabilities()
	fmt.Printf("stage2: max IPA bits=%d granules=%v LPA2=%v\n", caps.MaxIPABits, caps.Granules, caps.LPA2)
	fmt.Printf("vgic: gicv3 list registers=%d gicv2 list registers=%d\n",
		vgic.NewGICv3Codec().MaxLR(), vgic.NewGICv2Codec().MaxLR())
}

func runBoot(c *config.BootArgs) error {
	if c.Profile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	if c.PprofAddr != "" {
		startPprofServer(c.PprofAddr)
	}

	arena, vm, backends, err := buildVM(c)
	if err != nil {
		return err
	}

	if err := loadGuestImage(arena, vm, c); err != nil {
		return err
	}

	// Script the boot VCPU's first exit as a PSCI SYSTEM_OFF call, so
	// this synthetic run has a natural stopping point instead of
	// looping on injected-undefined exits forever: there is no guest
	// code generator in this harness, only a fault-dispatch loop to
	// exercise.
	backends[0].Queue = []vcpu.ExitInfo{{
		ESR:    sysreg.BuildESR(sysreg.ECSMC64, 0),
		GPRegs: [31]uint64{0: uint64(psci.FuncSystemOff)},
	}}

	runVCPUs(vm, c)

	return nil
}

// startPprofServer serves stdlib net/http/pprof alongside fgprof's
// wall-clock profile, the debug endpoint SPEC_FULL.md §9 names
// ("-pprof-addr" debug HTTP endpoint via fgprof, alongside stdlib
// net/http/pprof) for answering "why is my exit-handling loop slow".
func startPprofServer(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/fgprof", fgprof.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("ferrovisor: pprof server on %s: %v", addr, err)
		}
	}()
}

func granuleOf(kb int) stage2.Granule {
	switch kb {
	case 16:
		return stage2.Granule16KB
	case 64:
		return stage2.Granule64KB
	default:
		return stage2.Granule4KB
	}
}

func wfiModeOf(s string) sched.Mode {
	switch s {
	case "nop":
		return sched.ModeNOP
	case "passthrough":
		return sched.ModePassThrough
	case "defer":
		return sched.ModeDefer
	default:
		return sched.ModeYield
	}
}

// buildVM assembles one hypervisor.VM backed by the reference
// pagealloc.Arena and a noopTLB, one vcpu.SimBackend per VCPU, mirroring
// the teacher's Machine.New wiring a fresh set of vcpuFds/runs for every
// requested NCPUs.
func buildVM(c *config.BootArgs) (*pagealloc.Arena, *hypervisor.VM, []*vcpu.SimBackend, error) {
	width := vmid.Width8
	if c.VMID16 {
		width = vmid.Width16
	}

	pool, err := vmid.New(width)
	if err != nil {
		return nil, nil, nil, err
	}

	nPages := c.MemSize / pagealloc.PageSize
	if nPages <= 0 {
		nPages = 1
	}

	arena, err := pagealloc.NewArena(nPages)
	if err != nil {
		return nil, nil, nil, err
	}

	backends := make([]*vcpu.SimBackend, c.NCPUs)
	generic := make([]vcpu.Backend, c.NCPUs)

	for i := range backends {
		backends[i] = &vcpu.SimBackend{}
		generic[i] = backends[i]
	}

	cfg := hypervisor.Config{
		IPABits:   c.IPABits,
		Granule:   granuleOf(c.GranuleKB),
		Caps:      stage2.DefaultCapabilities(),
		VMIDWidth: width,
		Mem:       arena,
		TLB:       noopTLB{},

		NumVCPU:  c.NCPUs,
		Backends: generic,
		Codec:    vgic.NewGICv3Codec(),

		MIDR:    sysreg.NewMIDR(0x410F_D083),
		MPIDROf: func(i int) sysreg.MPIDR { return sysreg.NewMPIDR(uint64(i), 0, 0, 0) },

		BootVCPU: 0,
		WFIMode:  wfiModeOf(c.WFIMode),

		// There is no real CNTPCT_EL0 to sample in this software model,
		// so wall-clock nanoseconds stand in for the host's free-running
		// physical counter (hypervisor.VM.deliverTimer just needs a
		// monotonically increasing tick source).
		HostCounter: func() uint64 { return uint64(time.Now().UnixNano()) },

		Logger: log.Default(),
	}

	vm, err := hypervisor.NewVM(pool, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	return arena, vm, backends, nil
}

// loadGuestImage reads c.Image into freshly allocated guest RAM pages
// starting at IPA 0 and maps them read-write-executable; the boot
// VCPU's entry PC is already 0 (vcpu.New's zero value), matching the
// image's load address, mirroring the teacher's Machine.LoadLinux
// reading a kernel image into guest memory before the first RunOnce.
func loadGuestImage(arena *pagealloc.Arena, vm *hypervisor.VM, c *config.BootArgs) error {
	img, err := os.ReadFile(c.Image)
	if err != nil {
		return fmt.Errorf("ferrovisor: reading guest image %q: %w", c.Image, err)
	}

	nPages := (len(img) + pagealloc.PageSize - 1) / pagealloc.PageSize
	if nPages == 0 {
		nPages = 1
	}

	flags := stage2.Flags{Cacheable: true, Bufferable: true, Writable: true, Executable: true}

	var ipa uint64

	for i := 0; i < nPages; i++ {
		hpa, err := arena.AllocPage()
		if err != nil {
			return fmt.Errorf("ferrovisor: allocating guest page %d: %w", i, err)
		}

		if err := vm.Stage2().MapRange(ipa, uint64(hpa), uint64(pagealloc.PageSize), flags); err != nil {
			return fmt.Errorf("ferrovisor: mapping guest page %d: %w", i, err)
		}

		chunk := img[i*pagealloc.PageSize:]
		if len(chunk) > pagealloc.PageSize {
			chunk = chunk[:pagealloc.PageSize]
		}

		copy(arena.Bytes(hpa), chunk)

		ipa += uint64(pagealloc.PageSize)
	}

	vm.Stage2().FlushTLB()

	return nil
}

// runVCPUs drives every VCPU to completion: the boot VCPU runs
// immediately, secondary VCPUs wait for PSCI CPU_ON before their first
// Run, and every TraceCount-th world switch's Resolution is printed (none
// when TraceCount is 0), generalizing the
// teacher's RunInfiniteLoop fmt.Printf trace from "one guest" to
// "one goroutine per VCPU".
func runVCPUs(vm *hypervisor.VM, c *config.BootArgs) {
	var wg sync.WaitGroup

	for cpu := 0; cpu < vm.NumVCPU(); cpu++ {
		cpu := cpu

		wg.Add(1)

		go func() {
			defer wg.Done()

			if cpu != 0 {
				for !vm.TryBringUp(cpu) {
					if vm.Vcpu(cpu).Context().MustExit() {
						fmt.Printf("ferrovisor: vcpu %d halted before power-on\n", cpu)
						return
					}

					time.Sleep(time.Millisecond)
				}
			}

			n := 0

			for {
				res, err := vm.Run(cpu)
				if err != nil {
					log.Printf("ferrovisor: vcpu %d: %v", cpu, err)
					return
				}

				if res == vcpu.Halt {
					fmt.Printf("ferrovisor: vcpu %d halted\n", cpu)
					return
				}

				n++
				if c.TraceCount != 0 && n%c.TraceCount == 0 {
					fmt.Printf("ferrovisor: vcpu %d exit #%d -> %v\n", cpu, n, res)
				}
			}
		}()
	}

	wg.Wait()
}

type noopTLB struct{}

func (noopTLB) InvalidateByVMID(uint64)                {}
func (noopTLB) InvalidateRange(uint64, uint64, uint64) {}
