package utils

import (
	"sync"

	"github.com/livekit/protocol/logger"
)

type OpsQueueParams struct {
	Name   string
	Size   int
	Logger logger.Logger
}

// OpsQueue runs enqueued closures one at a time on a single goroutine.
// It is used to deliver outbound notifications outside of mutation locks
// while preserving enqueue order.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Size == 0 {
		params.Size = 64
	}
	return &OpsQueue{
		params: params,
		ops:    make(chan func(), params.Size),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	defer oq.lock.RUnlock()

	if oq.isStopped {
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.params.Logger.Errorw("ops queue full", nil, "name", oq.params.Name, "size", oq.params.Size)
	}
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
}
