// Package config parses cmd/ferrovisor's command line. It deliberately
// mirrors the teacher's stdlib-flag BootArgs/ParseArgs/ParseSize shape
// (flag/flag.go) rather than the teacher's actually-used kong-based
// entry point (flag/runs.go): two subcommands ("boot", "probe"), each its
// own flag.FlagSet, no third-party CLI framework.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSubcommand is returned by ParseArgs when args[1] is neither
// "boot" nor "probe".
var ErrInvalidSubcommand = errors.New("config: expected 'boot' or 'probe' subcommand")

// BootArgs is the "boot" subcommand's parsed configuration: the synthetic
// guest image and VM geometry cmd/ferrovisor needs to build a
// hypervisor.Config (spec.md §4.B/§4.I, SPEC_FULL.md §9 "a small
// hand-rolled flag wrapper").
type BootArgs struct {
	Image      string // path to the synthetic guest image
	MemSize    int    // bytes, parsed via ParseSize
	NCPUs      int
	Params     string // opaque boot parameters handed to the guest, unused by the core itself
	TraceCount int    // how many world switches to skip between trace prints; 0 disables tracing

	IPABits   int
	GranuleKB int // 4, 16, or 64
	VMID16    bool

	WFIMode string // "nop", "passthrough", "yield", or "defer"

	Profile   bool   // -profile: wrap the run in a CPU profile (github.com/pkg/profile)
	PprofAddr string // -pprof-addr: serve net/http/pprof + fgprof on this address, empty disables it
}

func parseBootArgs(args []string) (*BootArgs, error) {
	bootCmd := flag.NewFlagSet("boot subcommand", flag.ExitOnError)
	c := &BootArgs{}

	bootCmd.StringVar(&c.Image, "k", "./guest.img", "synthetic guest image path")
	bootCmd.StringVar(&c.Params, "p", "", "boot parameters passed through to the guest")
	bootCmd.IntVar(&c.NCPUs, "c", 1, "number of virtual CPUs")
	bootCmd.IntVar(&c.IPABits, "b", 40, "IPA width in bits")
	bootCmd.IntVar(&c.GranuleKB, "g", 4, "Stage-2 granule size in KiB: 4, 16, or 64")
	bootCmd.BoolVar(&c.VMID16, "vmid16", false, "use 16-bit VMIDs instead of 8-bit")
	bootCmd.StringVar(&c.WFIMode, "w", "yield", "WFI/WFE trap policy: nop, passthrough, yield, or defer")
	bootCmd.BoolVar(&c.Profile, "profile", false, "wrap the run in a CPU profile (pkg/profile)")
	bootCmd.StringVar(&c.PprofAddr, "pprof-addr", "", "serve net/http/pprof and fgprof on this address (empty disables)")

	msize := bootCmd.String("m", "256M", "memory size: as number[gGmMkK], optional units, defaults to M")
	tc := bootCmd.String("T", "0", "how many world switches to skip between trace prints -- 0 means tracing disabled")

	var err error

	if err = bootCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs is the "probe" subcommand's parsed configuration. Probe takes
// no flags of its own today; it exists as a subcommand (rather than a
// second binary) purely to mirror the teacher's boot/probe split.
type ProbeArgs struct{}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &ProbeArgs{}

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args (or an equivalent slice, args[0] being the
// program name) to the "boot" or "probe" subcommand parser.
func ParseArgs(args []string) (*BootArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		conf, err := parseBootArgs(args[2:])

		return conf, nil, err

	case "probe":
		conf, err := parseProbeArgs(args[2:])

		return nil, conf, err
	}

	return nil, nil, ErrInvalidSubcommand
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; when absent, unit supplies the default. Copied verbatim from
// the teacher's flag.ParseSize (flag/flag.go) -- the exact same parsing
// rule applies unchanged to this module's -m/-T flags.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
