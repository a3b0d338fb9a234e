package metrics

import "time"

// BrokerMetrics provides observability for a broker's dispatch, mount and
// subscription activity.
//
// Implementations can collect metrics about request/response/signal
// traffic, client lifecycle, and the mount/subscription tables. This
// interface is optional - pass nil to disable metrics collection with
// zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewBrokerMetrics()
//	b := rpcbroker.New(name, login, m)
//
//	// Without metrics (pass nil for zero overhead)
//	var m metrics.BrokerMetrics
type BrokerMetrics interface {
	// RecordRequest records a completed request dispatched through the rpc
	// stage, keyed by method and whether it resolved to an error.
	//
	// Parameters:
	//   - method: the RPC method name (e.g. "ls", "dir", "get")
	//   - duration: time taken to route and deliver the request
	//   - errorCode: "error" if the rpc stage returned an error for the
	//     request, empty otherwise
	RecordRequest(method string, duration time.Duration, errorCode string)

	// RecordSignal records a signal fanned out to subscribers.
	//
	// Parameters:
	//   - signal: the signal name (e.g. "chng")
	//   - subscriberCount: number of clients the signal was delivered to
	RecordSignal(signal string, subscriberCount int)

	// SetActiveClients updates the current connected client count.
	SetActiveClients(count int)

	// RecordClientConnected increments the total accepted clients counter.
	RecordClientConnected()

	// RecordClientDisconnected increments the total disconnected clients
	// counter.
	RecordClientDisconnected()

	// RecordLoginFailure increments the failed login attempts counter.
	RecordLoginFailure()

	// SetMountCount updates the current number of mounted clients.
	SetMountCount(count int)

	// SetSubscriptionCount updates the current number of distinct
	// subscription patterns held across all clients.
	SetSubscriptionCount(count int)
}
