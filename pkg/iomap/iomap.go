// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package iomap maps the IO windows reported by device parameters. The
// parameter registry only reports bus addresses; clients map them through
// the sysfs resource file of the BAR holding them.
package iomap

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

// Region is a mapped IO window.
type Region struct {
	mapping []byte
	window  []byte
	addr    auxdev.IOAddr
}

// Map maps the window at addr from the resource file of a BAR starting at
// bus address bar.Base.
func Map(resourcePath string, bar auxdev.ConfigMem, addr auxdev.IOAddr) (*Region, error) {
	if addr.Size == 0 {
		return nil, errors.Errorf("empty window at %#x", addr.Base)
	}

	if addr.Base < bar.Base || addr.Base+addr.Size > bar.Base+bar.Size {
		return nil, errors.Errorf("window %#x+%#x outside BAR %#x+%#x", addr.Base, addr.Size, bar.Base, bar.Size)
	}

	f, err := os.OpenFile(resourcePath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", resourcePath)
	}
	defer f.Close()

	pageSize := uint64(unix.Getpagesize())
	offset := addr.Base - bar.Base
	pageOffset := offset &^ (pageSize - 1)
	length := (offset - pageOffset + addr.Size + pageSize - 1) &^ (pageSize - 1)

	mapping, err := unix.Mmap(int(f.Fd()), int64(pageOffset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "can't map %s at %#x", resourcePath, pageOffset)
	}

	start := offset - pageOffset

	klog.V(4).Infof("Mapped queue %d window %#x+%#x from %s", addr.QueueID, addr.Base, addr.Size, resourcePath)

	return &Region{
		mapping: mapping,
		window:  mapping[start : start+addr.Size],
		addr:    addr,
	}, nil
}

// Bytes returns the window. It is valid until Close.
func (r *Region) Bytes() []byte {
	return r.window
}

// Addr returns the mapped window.
func (r *Region) Addr() auxdev.IOAddr {
	return r.addr
}

// ReadUint32 reads the little endian register at off.
func (r *Region) ReadUint32(off uint64) (uint32, error) {
	if off+4 > uint64(len(r.window)) {
		return 0, errors.Errorf("register %#x outside %d byte window", off, len(r.window))
	}

	return binary.LittleEndian.Uint32(r.window[off:]), nil
}

// WriteUint32 writes the little endian register at off.
func (r *Region) WriteUint32(off uint64, v uint32) error {
	if off+4 > uint64(len(r.window)) {
		return errors.Errorf("register %#x outside %d byte window", off, len(r.window))
	}

	binary.LittleEndian.PutUint32(r.window[off:], v)

	return nil
}

// Close unmaps the window.
func (r *Region) Close() error {
	if r.mapping == nil {
		return nil
	}

	err := unix.Munmap(r.mapping)
	r.mapping, r.window = nil, nil

	return errors.WithStack(err)
}
