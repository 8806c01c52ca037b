package service

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"clustervisor/internal/models"
	"clustervisor/internal/worker"
)

// Status is the report interface snapshot of the pool.
func (s *Supervisor) Status() models.PoolStatus {
	s.mu.Lock()
	handles := s.handlesLocked()
	st := models.PoolStatus{
		RunID:        s.runID,
		Policy:       s.sched.Policy(),
		TargetSize:   s.targetSize,
		ShuttingDown: s.shuttingDown,
	}
	s.mu.Unlock()

	st.Workers = make([]models.WorkerStatus, 0, len(handles))
	for _, h := range handles {
		ws := s.workerStatus(h)
		if ws.State == worker.Listening.String() {
			st.Listening++
		}
		st.Workers = append(st.Workers, ws)
	}
	st.Size = len(st.Workers)
	st.ExhaustedSlots = s.restarts.Exhausted()
	if st.ExhaustedSlots == nil {
		st.ExhaustedSlots = []int{}
	}
	st.Degraded = st.TargetSize > 0 && 2*len(st.ExhaustedSlots) >= st.TargetSize
	return st
}

// Worker returns the status of one worker, including its resource usage.
func (s *Supervisor) Worker(id int) (models.WorkerStatus, error) {
	h, err := s.lookup(id)
	if err != nil {
		return models.WorkerStatus{}, err
	}
	ws := s.workerStatus(h)
	if h.State().IsLive() && ws.Pid > 0 {
		ws.Memory = getProcessMemory(ws.Pid)
		ws.CPU = getProcessCPU(ws.Pid)
	}
	return ws, nil
}

func (s *Supervisor) workerStatus(h *worker.Handle) models.WorkerStatus {
	snap := h.Snapshot()
	ws := models.WorkerStatus{
		ID:                    snap.ID,
		Slot:                  snap.Slot,
		Pid:                   snap.Pid,
		State:                 snap.State.String(),
		RestartCount:          s.restarts.Count(snap.Slot),
		ListenAddress:         snap.ListenAddress,
		ExitedAfterDisconnect: snap.ExitedAfterDisconnect,
		Uptime:                formatDuration(time.Since(snap.Started)),
	}
	if !snap.LastHeartbeat.IsZero() {
		hb := snap.LastHeartbeat
		ws.LastHeartbeat = &hb
	}
	return ws
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func getProcessMemory(pid int) string {
	output, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "N/A"
	}

	rssKB, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return "N/A"
	}
	return formatBytes(rssKB * 1024)
}

func getProcessCPU(pid int) string {
	output, err := exec.Command("ps", "-o", "%cpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "N/A"
	}

	cpu, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f%%", cpu)
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
