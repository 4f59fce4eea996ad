// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package devsource

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// parseUevent decodes one raw kernel uevent netlink payload. The kernel's
// NETLINK_KOBJECT_UEVENT multicast group delivers packets of the form
// "ACTION@DEVPATH\0KEY=VALUE\0KEY=VALUE\0...\0", with no additional framing.
func parseUevent(payload []byte) (Descriptor, error) {
	parts := bytes.Split(payload, []byte{0})
	if len(parts) == 0 || len(parts[0]) == 0 {
		return Descriptor{}, fmt.Errorf("devsource: empty uevent payload")
	}

	header := string(parts[0])
	at := strings.IndexByte(header, '@')
	if at < 0 {
		return Descriptor{}, fmt.Errorf("devsource: malformed uevent header %q", header)
	}
	action := Action(header[:at])
	devpath := header[at+1:]

	env := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if len(p) == 0 {
			continue
		}
		kv := string(p)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		env[kv[:eq]] = kv[eq+1:]
	}

	syspath := "/sys" + devpath
	subsystem := env["SUBSYSTEM"]
	sysname := filepath.Base(devpath)

	desc := NewDescriptor(syspath, subsystem, sysname, action)
	for k, v := range env {
		desc = desc.WithProperty(k, v)
	}

	if devname, ok := env["DEVNAME"]; ok && devname != "" {
		node := "/dev/" + devname
		desc.Devnode = &node
	}

	if majorStr, ok := env["MAJOR"]; ok {
		if minorStr, ok := env["MINOR"]; ok {
			major, errMaj := strconv.ParseUint(majorStr, 10, 32)
			minor, errMin := strconv.ParseUint(minorStr, 10, 32)
			if errMaj == nil && errMin == nil {
				desc.Devnum = &DeviceNumber{Major: uint32(major), Minor: uint32(minor)}
			}
		}
	}

	deriveUSBIdentity(&desc)
	enrichFromUdevDB(&desc)
	attachMAC(&desc)

	return desc, nil
}

// deriveUSBIdentity fills in ID_VENDOR_ID/ID_MODEL_ID from the kernel's
// own PRODUCT uevent variable ("vendor/product/bcdDevice" in hex, no
// leading zeros) when udev's enriched properties of the same name are not
// already present. The kernel always sets PRODUCT for usb devices and
// interfaces; ID_VENDOR_ID/ID_MODEL_ID are udev's zero-padded rendering of
// the same two fields and are what the rest of the broker expects.
func deriveUSBIdentity(desc *Descriptor) {
	if desc.Subsystem != "usb" {
		return
	}
	product, ok := desc.Property("PRODUCT")
	if !ok {
		return
	}
	parts := strings.Split(product, "/")
	if len(parts) < 2 {
		return
	}
	vendor, errV := strconv.ParseUint(parts[0], 16, 32)
	model, errM := strconv.ParseUint(parts[1], 16, 32)
	if errV != nil || errM != nil {
		return
	}
	if _, ok := desc.Property("ID_VENDOR_ID"); !ok {
		*desc = desc.WithProperty("ID_VENDOR_ID", fmt.Sprintf("%04x", vendor))
	}
	if _, ok := desc.Property("ID_MODEL_ID"); !ok {
		*desc = desc.WithProperty("ID_MODEL_ID", fmt.Sprintf("%04x", model))
	}
}

// attachMAC reads the "address" sysfs attribute for net devices and
// attaches it as the "MAC" property. Raw kernel uevents never carry the
// hardware address directly, unlike DEVNAME/MAJOR/MINOR, so it must be
// read out of sysfs separately.
func attachMAC(desc *Descriptor) {
	if desc.Subsystem != "net" {
		return
	}
	data, err := os.ReadFile(filepath.Join(desc.Syspath, "address"))
	if err != nil {
		return
	}
	if mac := strings.ToLower(strings.TrimSpace(string(data))); mac != "" {
		*desc = desc.WithProperty("MAC", mac)
	}
}

// enrichFromUdevDB augments desc with tags and properties recorded in the
// udev runtime database (/run/udev/data). Raw kernel uevents carry only the
// environment the originating driver set (SUBSYSTEM, DEVNAME, MAJOR/MINOR,
// and similar); opt-in tags and custom properties such as WAITS_FOR are
// assigned by udev rules and only ever live in the database udevd
// maintains, so they must be looked up separately rather than parsed out of
// the netlink payload itself.
func enrichFromUdevDB(desc *Descriptor) {
	for _, key := range udevDBKeys(*desc) {
		path := filepath.Join("/run/udev/data", key)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanUdevDBFile(f, desc)
		f.Close()
		return
	}
}

// udevDBKeys returns the candidate udev database file names for desc, most
// specific first, following udevd's own naming convention.
func udevDBKeys(desc Descriptor) []string {
	var keys []string
	if desc.Devnum != nil {
		prefix := "c"
		if desc.Subsystem == "block" {
			prefix = "b"
		}
		keys = append(keys, fmt.Sprintf("%s%d:%d", prefix, desc.Devnum.Major, desc.Devnum.Minor))
	}
	if desc.Subsystem != "" && desc.Sysname != "" {
		keys = append(keys, fmt.Sprintf("+%s:%s", desc.Subsystem, desc.Sysname))
	}
	return keys
}

// scanUdevDBFile reads a udev database entry. Lines beginning "G:" name a
// tag; lines beginning "E:" carry a KEY=VALUE property, mirroring the
// format udevd itself writes.
func scanUdevDBFile(f *os.File, desc *Descriptor) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		switch line[0] {
		case 'G':
			*desc = desc.WithTag(line[2:])
		case 'E':
			if eq := strings.IndexByte(line[2:], '='); eq >= 0 {
				*desc = desc.WithProperty(line[2:2+eq], line[2+eq+1:])
			}
		}
	}
}
