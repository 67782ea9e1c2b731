//go:build !linux && !darwin

package sysinfo

func kernelRelease() string { return "" }

func fileLimit() uint64 { return 0 }
