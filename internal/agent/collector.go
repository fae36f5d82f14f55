package agent

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vigilproject/vigil/internal/agentlink"
	"github.com/vigilproject/vigil/internal/models"
)

// rankedListSize is how many entries each ranked sub-list carries. The
// merged table tops out at twice this when the rankings do not overlap.
const rankedListSize = 20

// Collector reads local system state for heartbeats and process lists.
type Collector struct{}

// Heartbeat gathers the periodic report. Individual probe failures
// degrade the report rather than failing it; a heartbeat with partial
// metrics still proves liveness.
func (c *Collector) Heartbeat(ctx context.Context, hostID string) agentlink.HeartbeatPayload {
	hb := agentlink.HeartbeatPayload{
		HostID:    hostID,
		Timestamp: time.Now().UTC(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemoryPercent = vm.UsedPercent
		hb.MemoryTotalMB = vm.Total / (1024 * 1024)
		hb.MemoryUsedMB = vm.Used / (1024 * 1024)
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		hb.UptimeSeconds = uptime
	}
	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		hb.ProcessCount = len(procs)
	}
	return hb
}

// Identity gathers the registration payload fields for this machine.
func (c *Collector) Identity(ctx context.Context, hostID, version string) agentlink.RegisterPayload {
	reg := agentlink.RegisterPayload{
		HostID:  hostID,
		Version: version,
		Capabilities: []string{
			"run", "kill_process", "list_processes", "shutdown", "reboot",
		},
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		reg.Hostname = info.Hostname
		reg.OS = info.OS
		reg.Architecture = info.KernelArch
		if reg.HostID == "" {
			reg.HostID = info.Hostname
		}
	}

	if mac, ip := primaryInterface(); mac != "" {
		reg.MAC = mac
		reg.IP = ip
	}
	return reg
}

// ProcessLists builds the two ranked sub-lists: top CPU consumers first,
// then top resident-memory consumers. Processes that vanish mid-scan are
// skipped.
func (c *Collector) ProcessLists(ctx context.Context) ([][]models.ProcessEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	type sample struct {
		entry models.ProcessEntry
		memMB float64
	}
	samples := make([]sample, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		entry := models.ProcessEntry{PID: p.Pid, Name: name}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			entry.User = user
		}
		if cpuPct, err := p.CPUPercentWithContext(ctx); err == nil {
			entry.CPUPercent = cpuPct
		}
		var memMB float64
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			memMB = float64(mi.RSS) / (1024 * 1024)
			entry.MemoryMB = memMB
		}
		samples = append(samples, sample{entry: entry, memMB: memMB})
	}

	byCPU := make([]sample, len(samples))
	copy(byCPU, samples)
	sort.Slice(byCPU, func(i, j int) bool { return byCPU[i].entry.CPUPercent > byCPU[j].entry.CPUPercent })

	byMem := samples
	sort.Slice(byMem, func(i, j int) bool { return byMem[i].memMB > byMem[j].memMB })

	topCPU := make([]models.ProcessEntry, 0, rankedListSize)
	for _, s := range byCPU[:min(rankedListSize, len(byCPU))] {
		topCPU = append(topCPU, s.entry)
	}
	topMem := make([]models.ProcessEntry, 0, rankedListSize)
	for _, s := range byMem[:min(rankedListSize, len(byMem))] {
		topMem = append(topMem, s.entry)
	}
	return [][]models.ProcessEntry{topCPU, topMem}, nil
}

// primaryInterface finds the MAC and first address of the first up,
// non-loopback interface with a hardware address. Good enough for
// wake-on-LAN on a typical single-NIC home-lab box.
func primaryInterface() (mac, ip string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		mac = iface.HardwareAddr.String()
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
					ip = ipNet.IP.String()
					break
				}
			}
		}
		return mac, ip
	}
	return "", ""
}
