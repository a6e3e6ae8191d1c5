package util

import (
	"fmt"
	"net"
)

// PrefixConfig joins a flag prefix and an option name.
func PrefixConfig(prefix string, option string) string {
	if len(prefix) > 0 {
		return prefix + "." + option
	}

	return option
}

// MustGetFreePort returns a free port on localhost or panics.
func MustGetFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		panic(fmt.Errorf("failed to resolve tcp addr: %w", err))
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		panic(fmt.Errorf("failed to listen on tcp addr: %w", err))
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}
