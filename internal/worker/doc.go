// Package worker implements the two lifecycle handlers of a cache-first
// worker. Install opens a named bucket and stores a fixed asset list fetched
// from the scope origin, all-or-nothing. Fetch answers a request from that
// bucket when its identity matches and otherwise forwards it to the network
// exactly once, returning the network's result untouched and never writing it
// back. A Worker that has not finished installing (or whose install failed)
// does not intercept requests.
package worker
