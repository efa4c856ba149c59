package worker

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/flowworker/controlplane"
	"github.com/teranos/flowworker/errors"
)

// MachineInfoFunc gathers the host description sent with each heartbeat
type MachineInfoFunc func(ctx context.Context) (controlplane.MachineInfo, error)

// CollectMachineInfo returns a MachineInfoFunc backed by gopsutil. props are
// passed through as the worker properties. Metrics that cannot be read are
// left at zero and reported in the returned error.
func CollectMachineInfo(props map[string]string) MachineInfoFunc {
	return func(ctx context.Context) (controlplane.MachineInfo, error) {
		info := controlplane.MachineInfo{WorkerProps: props}
		var errs error

		if h, err := host.InfoWithContext(ctx); err == nil && h.Hostname != "" {
			info.Hostname = h.Hostname
		} else if name, herr := os.Hostname(); herr == nil {
			info.Hostname = name
		}

		// interval 0 compares against the previous call, so this never blocks
		if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to get cpu usage"))
		} else if len(pct) > 0 {
			info.CPUUsagePercentage = pct[0]
		}

		if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to get memory stats"))
		} else {
			info.RAMUsagePercentage = vm.UsedPercent
			info.TotalAvailableRAMInBytes = vm.Available
			info.TotalRAMInBytes = vm.Total
		}

		if du, err := disk.UsageWithContext(ctx, rootPath()); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to get disk usage"))
		} else {
			info.DiskUsagePercentage = du.UsedPercent
		}

		return info, errs
	}
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		if drive := os.Getenv("SystemDrive"); drive != "" {
			return drive + `\`
		}
		return `C:\`
	}
	return "/"
}
