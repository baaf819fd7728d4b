// Command rpcworker serves the demo RPC services over a configured broker
// and calls them from the command line.
//
//	rpcworker serve -config rpcbus.yaml    # serve until SIGINT/SIGTERM
//	rpcworker call square 4                # call a service with JSON args
//	rpcworker version
package main
