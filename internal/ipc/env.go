package ipc

// Environment of a forked worker. The channel is always inherited as fd 3;
// a shared listener, when present, follows as fd 4.
const (
	EnvWorkerID   = "CLUSTER_WORKER_ID"
	EnvWorkerSlot = "CLUSTER_WORKER_SLOT"
	EnvRunID      = "CLUSTER_RUN_ID"
	EnvChannelFD  = "CLUSTER_IPC_FD"
	EnvListenFD   = "CLUSTER_LISTEN_FD"
	EnvSchedule   = "CLUSTER_SCHED"

	ChannelFD = 3
)
