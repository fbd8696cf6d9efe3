//go:build linux

package pool

import "syscall"

// sysProcAttr makes the kernel terminate a worker whose dispatcher died.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
