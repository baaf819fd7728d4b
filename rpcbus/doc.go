// Package rpcbus turns plain functions into queue-backed services and lets
// callers invoke them through a broker.
//
// Server is the consumer side: it subscribes every registered service queue,
// groups arriving requests into batches, runs them on a bounded worker pool
// and publishes one result per request to the caller's reply queue.
//
// Client is the caller side: it publishes request envelopes, owns a private
// reply queue and matches replies to waiting calls by correlation id.
package rpcbus
