package imgreg

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/opgo/oprofile/internal/oserr"
)

// module is one entry in the kernel module table: either a real module
// backed by an Image, or a negative cache entry recording that a PC
// range was already looked up and found to belong to no known module
// (spec §4.3 "Module-sample fallback").
type module struct {
	image    *Image
	start    uint64
	end      uint64
	negative bool
}

func (m module) contains(pc uint64) bool { return pc >= m.start && pc < m.end }

// SymbollessModuleQuery asks the running kernel whether pc falls inside
// some loaded module that carries no symbol information (spec §4.3's
// last-resort query). The daemon wires this to a real kernel query;
// tests and offline report tooling leave it nil, in which case Resolve
// always reports lost_kernel for such addresses.
type SymbollessModuleQuery func(pc uint64) (start, end uint64, ok bool)

// KernelRegistry tracks the kernel's own text range and every loaded
// module's text range, resolving kernel-mode program counters to a
// Mapping (spec §4.3).
type KernelRegistry struct {
	mu sync.Mutex

	images *Registry

	vmlinuxImage *Image
	vmlinuxStart uint64
	vmlinuxEnd   uint64
	hasVmlinux   bool

	modules []module
	byName  map[string]int // module name -> index in modules, for refresh dedup

	ProcModules string // defaults to /proc/modules
	ProcKsyms   string // defaults to /proc/ksyms

	Query SymbollessModuleQuery
}

// NewKernelRegistry creates a kernel registry backed by images.
func NewKernelRegistry(images *Registry) *KernelRegistry {
	return &KernelRegistry{
		images:      images,
		byName:      make(map[string]int),
		ProcModules: "/proc/modules",
		ProcKsyms:   "/proc/ksyms",
	}
}

// SetVmlinuxRange records the kernel's own text range, synthesised as a
// mapping with offset 0 (spec §4.3 "Kernel mappings").
func (k *KernelRegistry) SetVmlinuxRange(path string, start, end uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vmlinuxImage = k.images.ImageByPath(path, "")
	k.vmlinuxImage.IsKernel = true
	k.vmlinuxStart = start
	k.vmlinuxEnd = end
	k.hasVmlinux = true
}

// RefreshModules re-reads the module table from /proc/modules, falling
// back to the legacy /proc/ksyms encoding, and merges any
// newly-discovered modules into the table. Already-known modules are
// left untouched.
func (k *KernelRegistry) RefreshModules() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.refreshModulesLocked()
}

func (k *KernelRegistry) refreshModulesLocked() error {
	found, err := readProcModules(k.ProcModules)
	if err != nil {
		found, err = readProcKsyms(k.ProcKsyms)
		if err != nil {
			return oserr.Wrap(oserr.KindIO, "imgreg: no module source available", err)
		}
	}
	for _, f := range found {
		if _, ok := k.byName[f.name]; ok {
			continue
		}
		img := k.images.ImageByPath(f.name, "")
		img.IsKernel = true
		idx := len(k.modules)
		k.modules = append(k.modules, module{image: img, start: f.start, end: f.start + f.size})
		k.byName[f.name] = idx
	}
	return nil
}

func (k *KernelRegistry) findModuleLocked(pc uint64) (module, bool) {
	for _, m := range k.modules {
		if m.contains(pc) {
			return m, true
		}
	}
	return module{}, false
}

// Resolve maps a kernel-mode program counter to a Mapping. It follows
// spec §4.3's fallback chain: vmlinux range, then the known module
// table, then one re-read of the module table, then a query for a
// symbol-less module covering pc (cached negatively on success so later
// samples at the same address resolve in O(1) without another query).
func (k *KernelRegistry) Resolve(pc uint64) (Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.hasVmlinux && pc >= k.vmlinuxStart && pc < k.vmlinuxEnd {
		return Mapping{Image: k.vmlinuxImage, Start: k.vmlinuxStart, Offset: 0, End: k.vmlinuxEnd}, nil
	}

	if m, ok := k.findModuleLocked(pc); ok {
		return moduleMapping(m)
	}

	if err := k.refreshModulesLocked(); err != nil {
		return Mapping{}, err
	}
	if m, ok := k.findModuleLocked(pc); ok {
		return moduleMapping(m)
	}

	if k.Query != nil {
		if start, end, ok := k.Query(pc); ok {
			k.modules = append(k.modules, module{start: start, end: end, negative: true})
			return Mapping{}, oserr.New(oserr.KindImageNotFound, "lost_module")
		}
	}
	return Mapping{}, oserr.New(oserr.KindImageNotFound, "lost_kernel")
}

func moduleMapping(m module) (Mapping, error) {
	if m.negative {
		return Mapping{}, oserr.New(oserr.KindImageNotFound, "lost_module")
	}
	return Mapping{Image: m.image, Start: m.start, Offset: 0, End: m.end}, nil
}

type foundModule struct {
	name  string
	start uint64
	size  uint64
}

// readProcModules parses the standard "name size refcount deps state
// addr" lines of /proc/modules.
func readProcModules(path string) ([]foundModule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []foundModule
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		addrField := strings.TrimPrefix(fields[5], "0x")
		addr, err := strconv.ParseUint(addrField, 16, 64)
		if err != nil {
			continue
		}
		out = append(out, foundModule{name: fields[0], start: addr, size: size})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// legacy /proc/ksyms lines marking a module's text start look like:
//
//	e0916000 __insmod_ext3_S.text_L139264
//
// the value is the start address; the symbol name encodes the module
// name and the text length.
var ksymsModuleRE = regexp.MustCompile(`^__insmod_(.+)_S\.text_L(\d+)$`)

func readProcKsyms(path string) ([]foundModule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []foundModule
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if fm, ok := parseKsymsLine(line); ok {
				out = append(out, fm)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return out, nil
}

func parseKsymsLine(line string) (foundModule, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return foundModule{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return foundModule{}, false
	}
	m := ksymsModuleRE.FindStringSubmatch(fields[1])
	if m == nil {
		return foundModule{}, false
	}
	length, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return foundModule{}, false
	}
	return foundModule{name: m[1], start: addr, size: length}, true
}
