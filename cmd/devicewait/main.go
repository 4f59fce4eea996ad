// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Devicewait is the readiness client: it blocks a dependent service's
// startup until a device dependency specifier becomes available, then
// signals its own readiness and continues waiting for the device to
// disappear, per spec.md §4.7.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dinit-contrib/devicebroker/internal/config"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
	"github.com/dinit-contrib/devicebroker/internal/version"
)

func main() {
	os.Exit(run())
}

// connectRetryInterval is how long devicewait sleeps between connection
// attempts while the broker has not yet created its socket.
const connectRetryInterval = 250 * time.Millisecond

func run() int {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("devicewait %s\n", version.Info())
		return 0
	}

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <dep-specifier> <readiness-fd>\n", os.Args[0])
		return 1
	}

	tag, value, err := parseSpecifier(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicewait: %v\n", err)
		return 1
	}

	readinessFD, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicewait: invalid readiness-fd %q: %v\n", args[1], err)
		return 1
	}

	if err := wait(tag, value, readinessFD); err != nil {
		fmt.Fprintf(os.Stderr, "devicewait: %v\n", err)
		return 1
	}
	return 0
}

// parseSpecifier implements spec.md §4.7's grammar, translating the
// dependency specifier a dependent service names into a (Tag, value) query
// pair.
func parseSpecifier(spec string) (protocol.Tag, string, error) {
	if prefix, value, ok := strings.Cut(spec, "="); ok {
		switch prefix {
		case "LABEL", "UUID", "PARTLABEL", "PARTUUID", "ID":
			return protocol.TagDev, "/dev/disk/by-" + strings.ToLower(prefix) + "/" + value, nil
		}
	}
	switch {
	case strings.HasPrefix(spec, "/dev/"):
		return protocol.TagDev, spec, nil
	case strings.HasPrefix(spec, "/sys/"):
		return protocol.TagSys, spec, nil
	case strings.HasPrefix(spec, "netif:"):
		return protocol.TagNetif, strings.TrimPrefix(spec, "netif:"), nil
	case strings.HasPrefix(spec, "mac:"):
		return protocol.TagMac, strings.TrimPrefix(spec, "mac:"), nil
	case strings.HasPrefix(spec, "usb:"):
		return protocol.TagUsb, strings.TrimPrefix(spec, "usb:"), nil
	}
	return "", "", fmt.Errorf("unrecognized dependency specifier %q", spec)
}

// wait implements spec.md §4.7's connect/handshake/read loop.
func wait(tag protocol.Tag, value string, readinessFD int) error {
	conn, err := dialWithRetry(config.SocketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", config.SocketPath, err)
	}
	defer conn.Close()

	if err := sendQuery(conn, tag, value); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}

	return readLoop(conn, readinessFD)
}

// dialWithRetry connects to the broker's control socket, retrying
// indefinitely on the errors that mean "the broker has not started yet":
// ENOENT, ECONNREFUSED, ENOTDIR.
func dialWithRetry(path string) (net.Conn, error) {
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		if !isRetryableDialError(err) {
			return nil, err
		}
		time.Sleep(connectRetryInterval)
	}
}

func isRetryableDialError(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ENOENT)
}

func sendQuery(conn net.Conn, tag protocol.Tag, value string) error {
	data := []byte(value)
	handshake := protocol.Handshake{Tag: tag, DataLength: uint16(len(data))}
	frame := handshake.Encode()
	if _, err := conn.Write(frame[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// readLoop reads status bytes one at a time, signaling readiness on the
// first Available byte and exiting cleanly on the first Unavailable byte
// seen after readiness was signaled, per spec.md §4.7 step 3.
func readLoop(conn net.Conn, readinessFD int) error {
	signaled := false
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("reading status: %w", err)
		}
		if n == 0 {
			continue
		}
		switch protocol.Status(buf[0]) {
		case protocol.Available:
			if !signaled {
				if err := signalReady(readinessFD); err != nil {
					return fmt.Errorf("signaling readiness: %w", err)
				}
				signaled = true
			}
		case protocol.Unavailable:
			if signaled {
				return nil
			}
		}
	}
}

func signalReady(fd int) error {
	f := os.NewFile(uintptr(fd), "readiness-fd")
	if f == nil {
		return fmt.Errorf("invalid readiness fd %d", fd)
	}
	defer f.Close()
	_, err := f.WriteString("READY=1\n")
	return err
}
