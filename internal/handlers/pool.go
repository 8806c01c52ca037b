package handlers

import (
	"context"
	"time"

	"clustervisor/internal/ipc"
	"clustervisor/internal/models"
	"clustervisor/internal/service"
)

// Pool is the part of the Supervisor the HTTP API drives.
type Pool interface {
	Status() models.PoolStatus
	Worker(id int) (models.WorkerStatus, error)
	StartPool(size int) ([]int, error)
	RollingRestart(ctx context.Context) (service.RollReport, error)
	RestartWorker(ctx context.Context, id int) (int, error)
	ReviveSlot(slot int) (int, error)
	KillWorker(id int) error
	Send(id int, msg ipc.Message) error
	Broadcast(msg ipc.Message) map[int]error
	GracefulShutdown(timeout time.Duration) service.ShutdownReport
	Subscribe() (<-chan models.Event, func())
}

var _ Pool = (*service.Supervisor)(nil)
