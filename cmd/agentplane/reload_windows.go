//go:build windows

package main

import "os"

// notifyReload is a no-op: Windows has no SIGHUP, so secrets reload only on restart.
func notifyReload(chan<- os.Signal) {}
