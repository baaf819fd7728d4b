// Package metrics exposes the RPC runtime's events as Prometheus metrics.
//
// Observer implements rpc.Observer and is passed to rpcbus.NewServer and
// rpcbus.NewClient through WithServerObserver and WithClientObserver.
package metrics
