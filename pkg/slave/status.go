package slave

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/session"
)

func (c *Controller) handleStatus(ctx context.Context, sess *session.Session, corr string, _ json.RawMessage) {
	st := c.collectStatus(ctx)
	c.finish(corr, func() error {
		return sess.SendResult(corr, &proto.Result{Final: true, Status: &st})
	})
}

// collectStatus gathers a best-effort snapshot; any probe that fails leaves
// its field at zero rather than failing the command.
func (c *Controller) collectStatus(ctx context.Context) proto.SlaveStatus {
	st := proto.SlaveStatus{
		SlaveID:  c.opts.SlaveID,
		Name:     c.opts.Name,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		InFlight: c.inflightIDs(),
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		st.UptimeSec = int64(hi.Uptime)
		if hi.Platform != "" {
			st.Platform = hi.Platform + " " + hi.PlatformVersion
		}
	}
	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, diskRoot()); err == nil {
		st.DiskPercent = du.UsedPercent
	}
	return st
}

func diskRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
