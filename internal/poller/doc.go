// Package poller samples watched positions on a timer.
//
// Each cycle reads a configured list of positions with bounded concurrency,
// then the fuel gauge, and reports which blocks changed since the previous
// cycle.
package poller
