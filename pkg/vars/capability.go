package vars

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
)

// Port range scanned for the availableNetworkPort keys.
const (
	PortMin = 1024
	PortMax = 65535
)

// Capability is a named table of dynamic variables for one OS family.
type Capability struct {
	Name      string
	resolvers map[string]dynamic
}

// dynamic is one auxiliary command plus how to read its output.
type dynamic struct {
	Command string
	// Parse turns trimmed stdout into the value; nil means the output is
	// the value and must be non-empty.
	Parse func(out string) (string, bool)
}

func (d dynamic) value(out string) (string, bool) {
	if d.Parse != nil {
		return d.Parse(out)
	}
	return out, out != ""
}

// Keys lists the dynamic keys of the table, sorted.
func (c *Capability) Keys() []string {
	keys := make([]string, 0, len(c.resolvers))
	for k := range c.resolvers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is resolvable by this capability.
func (c *Capability) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.resolvers[key]
	return ok
}

// Command returns the auxiliary command behind key.
func (c *Capability) Command(key string) (string, bool) {
	d, ok := c.resolvers[key]
	return d.Command, ok
}

// CapabilityFor returns the table for an OS family name. Anything that is
// not windows gets the linux table.
func CapabilityFor(name string) *Capability {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "windows", "win", "win32":
		return Windows
	default:
		return Linux
	}
}

// randIntN is replaced in tests.
var randIntN = rand.IntN

// listenersEnd closes a complete listener listing. Output without it means
// the query did not finish and no port can be trusted free.
const listenersEnd = "listeners-end"

// freePort picks a port in [PortMin, PortMax] not present in the listener
// list out (one port per line, then listenersEnd). which is first, last or
// random.
func freePort(which string) func(string) (string, bool) {
	return func(out string) (string, bool) {
		fields := strings.Fields(out)
		if len(fields) == 0 || fields[len(fields)-1] != listenersEnd {
			return "", false
		}
		busy := make(map[int]bool)
		for _, f := range fields[:len(fields)-1] {
			if i := strings.LastIndex(f, ":"); i >= 0 {
				f = f[i+1:]
			}
			if p, err := strconv.Atoi(f); err == nil {
				busy[p] = true
			}
		}
		free := PortMax - PortMin + 1
		for p := range busy {
			if p >= PortMin && p <= PortMax {
				free--
			}
		}
		if free <= 0 {
			return "", false
		}
		var n int
		switch which {
		case "first":
			n = 0
		case "last":
			n = free - 1
		default:
			n = randIntN(free)
		}
		for p := PortMin; p <= PortMax; p++ {
			if busy[p] {
				continue
			}
			if n == 0 {
				return strconv.Itoa(p), true
			}
			n--
		}
		return "", false
	}
}

func linuxFree(col int) dynamic {
	return dynamic{Command: "free -m | awk '/^Mem:/ {print $" + strconv.Itoa(col) + "}'"}
}

const linuxListeners = "l=$(ss -Htln) && printf '%s\\n' \"$l\" | awk '{print $4}' && echo " + listenersEnd

// Linux resolves through coreutils, procps and iproute2.
var Linux = &Capability{
	Name: "linux",
	resolvers: map[string]dynamic{
		"os.ramTotal":                    linuxFree(2),
		"os.ramUsed":                     linuxFree(3),
		"os.ramFree":                     linuxFree(4),
		"os.ramAvailable":                linuxFree(7),
		"os.cpuCores":                    {Command: "nproc"},
		"os.hostname":                    {Command: "hostname"},
		"os.kernel":                      {Command: "uname -r"},
		"os.distro":                      {Command: `. /etc/os-release && echo "$ID"`},
		"os.diskFree":                    {Command: "df -Pm / | awk 'NR==2 {print $4}'"},
		"os.uptime":                      {Command: "awk '{print int($1)}' /proc/uptime"},
		"os.availableNetworkPort_first":  {Command: linuxListeners, Parse: freePort("first")},
		"os.availableNetworkPort_last":   {Command: linuxListeners, Parse: freePort("last")},
		"os.availableNetworkPort_random": {Command: linuxListeners, Parse: freePort("random")},
	},
}

func ps(script string) string {
	return `powershell -NoProfile -NonInteractive -Command "` + script + `"`
}

const windowsListeners = "Get-NetTCPConnection -State Listen -ErrorAction Stop | Select-Object -ExpandProperty LocalPort; '" + listenersEnd + "'"

// Windows resolves through PowerShell and CIM.
var Windows = &Capability{
	Name: "windows",
	resolvers: map[string]dynamic{
		"os.ramTotal":                    {Command: ps("[math]::Round((Get-CimInstance Win32_OperatingSystem).TotalVisibleMemorySize/1024)")},
		"os.ramUsed":                     {Command: ps("$o=Get-CimInstance Win32_OperatingSystem; [math]::Round(($o.TotalVisibleMemorySize-$o.FreePhysicalMemory)/1024)")},
		"os.ramFree":                     {Command: ps("[math]::Round((Get-CimInstance Win32_OperatingSystem).FreePhysicalMemory/1024)")},
		"os.ramAvailable":                {Command: ps("[math]::Round((Get-Counter '\\Memory\\Available MBytes').CounterSamples[0].CookedValue)")},
		"os.cpuCores":                    {Command: ps("(Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors")},
		"os.hostname":                    {Command: ps("$env:COMPUTERNAME")},
		"os.kernel":                      {Command: ps("(Get-CimInstance Win32_OperatingSystem).Version")},
		"os.distro":                      {Command: ps("(Get-CimInstance Win32_OperatingSystem).Caption")},
		"os.diskFree":                    {Command: ps("[math]::Round((Get-PSDrive C).Free/1MB)")},
		"os.uptime":                      {Command: ps("[int]((Get-Date)-(Get-CimInstance Win32_OperatingSystem).LastBootUpTime).TotalSeconds")},
		"os.availableNetworkPort_first":  {Command: ps(windowsListeners), Parse: freePort("first")},
		"os.availableNetworkPort_last":   {Command: ps(windowsListeners), Parse: freePort("last")},
		"os.availableNetworkPort_random": {Command: ps(windowsListeners), Parse: freePort("random")},
	},
}
