//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyReload relays SIGHUP to ch.
func notifyReload(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGHUP)
}
