// Package server hosts the Fiber HTTP service that fronts one or more
// workers. Each worker is bound to a Host header; the request middleware
// resolves the Host to a WorkerRoute and hands the request to a ProxyHandler,
// which in turn lets the worker answer from its cache bucket or the network.
// The package also owns the shared upstream http.Client and the registry that
// installs every worker at startup.
package server
