package workflow

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Dial connects to the Temporal frontend with a zap-backed SDK logger.
func Dial(hostPort, namespace string) (client.Client, error) {
	return client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewZapLogger(zap.L().With(zap.String("component", "temporal"))),
	})
}

// NewWorker registers the refresh workflow and activities on taskQueue.
// One activity at a time keeps runs sequential on each worker.
func NewWorker(c client.Client, taskQueue string, runner Runner) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})
	w.RegisterWorkflow(RefreshWorkflow)
	w.RegisterActivity(&Activities{Runner: runner})
	return w
}
