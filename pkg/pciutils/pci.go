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

// Package pciutils reads the sysfs attributes of efct capable PCI
// functions.
package pciutils

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/efct-io/auxres/pkg/auxdev"
)

const (
	// SysfsPCIDevices is the default PCI device directory.
	SysfsPCIDevices = "/sys/bus/pci/devices"

	vendorSolarflare = "0x1924"
	vendorXilinx     = "0x10ee"
	classEthernet    = "0x0200"

	unknownDriver = "unknown"
)

type DeviceIdValidationError struct {
	reason string
}

func (e DeviceIdValidationError) Error() string {
	return fmt.Sprintf("PCI device ID validation error: %s", e.reason)
}

type DeviceBindingError struct {
	reason string
}

func (e DeviceBindingError) Error() string {
	return fmt.Sprintf("device binding error: %s", e.reason)
}

// Device is what sysfs tells about a PCI function.
type Device struct {
	Path     string
	BDF      string
	Vendor   string
	DeviceID string
	Revision int
	Driver   string
	NetDev   auxdev.NetDev
	// BAR0 is the memory BAR holding the queue and IO windows.
	BAR0 auxdev.ConfigMem
}

func DeviceDriverName(devicePath, defaultDriver string) string {
	driverName := defaultDriver

	linkpath, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err == nil {
		driverName = filepath.Base(linkpath)
	}

	return driverName
}

func deviceIdsToMap(deviceIdList string) map[string]struct{} {
	devIdMap := make(map[string]struct{})

	for _, id := range strings.Split(deviceIdList, ",") {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			devIdMap[id] = struct{}{}
		}
	}

	return devIdMap
}

func readAttr(dpath, name string) (string, error) {
	dat, err := os.ReadFile(filepath.Join(dpath, name))
	if err != nil {
		return "", errors.WithStack(err)
	}

	return strings.TrimSpace(string(dat)), nil
}

// IsCompatibleNICDevice checks if the PCI function at dpath is an ethernet
// controller from a supported vendor whose device id passes the allow and
// deny lists.
func IsCompatibleNICDevice(dpath, allowIds, denyIds string) bool {
	vendor, err := readAttr(dpath, "vendor")
	if err != nil {
		klog.Warning("Skipping. Can't read vendor file: ", err)
		return false
	}

	if vendor != vendorSolarflare && vendor != vendorXilinx {
		klog.V(4).Info("Unsupported vendor: ", dpath)
		return false
	}

	class, err := readAttr(dpath, "class")
	if err != nil {
		klog.Warning("Skipping. Can't read class file: ", err)
		return false
	}

	if !strings.HasPrefix(class, classEthernet) {
		klog.V(4).Info("Not an ethernet controller: ", dpath)
		return false
	}

	deviceId, err := readAttr(dpath, "device")
	if err != nil {
		klog.Warning("Skipping. Can't read device file: ", err)
		return false
	}

	deviceId = strings.ToLower(deviceId)
	if len(denyIds) > 0 {
		if _, found := deviceIdsToMap(denyIds)[deviceId]; found {
			klog.V(4).Infof("Skipping device %s, in denylist: %s", dpath, denyIds)
			return false
		}
	}

	if len(allowIds) > 0 {
		if _, found := deviceIdsToMap(allowIds)[deviceId]; !found {
			klog.V(4).Infof("Skipping device %s, not in allowlist: %s", dpath, allowIds)
			return false
		}
	}

	return true
}

// ValidatePCIDeviceIDs validates that the provided comma-separated list of PCI
// device IDs is in the correct format (0x followed by 4 hexadecimal digits).
func ValidatePCIDeviceIDs(pciIDList string) error {
	if pciIDList == "" {
		return nil
	}

	r := regexp.MustCompile(`^0x[0-9a-fA-F]{4}$`)

	for _, id := range strings.Split(pciIDList, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			return DeviceIdValidationError{reason: "empty PCI device ID"}
		}

		if !r.MatchString(id) {
			return DeviceIdValidationError{reason: fmt.Sprintf("invalid PCI device ID (%s)", id)}
		}
	}

	return nil
}

// ReadDevice collects the attributes of the PCI function at dpath.
func ReadDevice(dpath string) (*Device, error) {
	dev := &Device{
		Path:   dpath,
		BDF:    filepath.Base(dpath),
		Driver: DeviceDriverName(dpath, unknownDriver),
	}

	var err error

	if dev.Vendor, err = readAttr(dpath, "vendor"); err != nil {
		return nil, err
	}

	if dev.DeviceID, err = readAttr(dpath, "device"); err != nil {
		return nil, err
	}

	rev, err := readAttr(dpath, "revision")
	if err != nil {
		return nil, err
	}

	revision, err := strconv.ParseUint(rev, 0, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: bad revision %q", dev.BDF, rev)
	}

	dev.Revision = int(revision)

	if dev.NetDev, err = readNetDev(dpath); err != nil {
		return nil, err
	}

	if dev.BAR0, err = ReadResource(dpath, 0); err != nil {
		return nil, err
	}

	klog.V(4).Infof("%s: %+v", dev.BDF, dev)

	return dev, nil
}

// readNetDev returns the first network interface of the function. A
// function without one yields an empty NetDev.
func readNetDev(dpath string) (auxdev.NetDev, error) {
	ifaces, err := filepath.Glob(filepath.Join(dpath, "net", "*"))
	if err != nil {
		return auxdev.NetDev{}, errors.WithStack(err)
	}

	if len(ifaces) == 0 {
		klog.V(4).Info("No network interface under ", dpath)
		return auxdev.NetDev{}, nil
	}

	sort.Strings(ifaces)

	nd := auxdev.NetDev{Name: filepath.Base(ifaces[0])}

	idx, err := readAttr(ifaces[0], "ifindex")
	if err != nil {
		return auxdev.NetDev{}, err
	}

	if nd.Index, err = strconv.Atoi(idx); err != nil {
		return auxdev.NetDev{}, errors.Wrapf(err, "%s: bad ifindex %q", nd.Name, idx)
	}

	return nd, nil
}

// CarrierPath is the sysfs file reporting the link state of a netdev.
func CarrierPath(dpath, netdev string) string {
	return filepath.Join(dpath, "net", netdev, "carrier")
}

// ResourcePath is the sysfs file mapping BAR bar of the function.
func ResourcePath(dpath string, bar int) string {
	return filepath.Join(dpath, fmt.Sprintf("resource%d", bar))
}

// ReadResource parses line bar of the sysfs resource file: start, end and
// flags as hex numbers.
func ReadResource(dpath string, bar int) (auxdev.ConfigMem, error) {
	f, err := os.Open(filepath.Join(dpath, "resource"))
	if err != nil {
		return auxdev.ConfigMem{}, errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for line := 0; scanner.Scan(); line++ {
		if line != bar {
			continue
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return auxdev.ConfigMem{}, errors.Errorf("malformed resource line %q", scanner.Text())
		}

		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return auxdev.ConfigMem{}, errors.WithStack(err)
		}

		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return auxdev.ConfigMem{}, errors.WithStack(err)
		}

		if end < start || (start == 0 && end == 0) {
			return auxdev.ConfigMem{}, errors.Errorf("BAR%d is not assigned", bar)
		}

		return auxdev.ConfigMem{Base: start, Size: end - start + 1}, nil
	}

	if err := scanner.Err(); err != nil {
		return auxdev.ConfigMem{}, errors.WithStack(err)
	}

	return auxdev.ConfigMem{}, errors.Errorf("no BAR%d in %s", bar, dpath)
}

func BindDeviceToDriver(devicePath, driversPath, driverName string) error {
	bdfAddress := filepath.Base(devicePath)

	klog.Info("Trying to bind device ", bdfAddress, " to driver ", driverName)

	currentDriverLink := filepath.Join(devicePath, "driver")
	if _, err := os.Lstat(currentDriverLink); err == nil {
		currentDriverPath, err := os.Readlink(currentDriverLink)
		if err != nil {
			return errors.WithStack(err)
		}

		if filepath.Base(currentDriverPath) == driverName {
			klog.Infof("Device %s is already bound to driver %s", bdfAddress, driverName)
			return nil
		}

		currentDriverUnbindPath := filepath.Join(currentDriverLink, "unbind")

		klog.Infof("Unbinding device %s from current driver: %s", bdfAddress, currentDriverUnbindPath)

		if err := os.WriteFile(currentDriverUnbindPath, []byte(bdfAddress), 0200); err != nil {
			return errors.WithStack(err)
		}
	}

	vendor, err := readAttr(devicePath, "vendor")
	if err != nil {
		return err
	}

	deviceID, err := readAttr(devicePath, "device")
	if err != nil {
		return err
	}

	newIdData := []byte(fmt.Sprintf("%s %s", strings.TrimPrefix(vendor, "0x"), strings.TrimPrefix(deviceID, "0x")))

	klog.Info("Writing new_id for driver ", driverName, ": ", string(newIdData))

	if err := os.WriteFile(filepath.Join(driversPath, driverName, "new_id"), newIdData, 0200); err != nil {
		return errors.WithStack(err)
	}

	// Up to 2 seconds of wait for the driver to bind
	for i := 0; i < 20; i++ {
		if DeviceDriverName(devicePath, unknownDriver) == driverName {
			klog.Infof("Bound device %s to driver %s", bdfAddress, driverName)
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	klog.Info("Failed to bind device ", bdfAddress, " to driver ", driverName, " with new_id, trying bind...")

	if err := os.WriteFile(filepath.Join(driversPath, driverName, "bind"), []byte(bdfAddress), 0200); err != nil {
		return errors.WithStack(err)
	}

	if dn := DeviceDriverName(devicePath, unknownDriver); dn != driverName {
		return DeviceBindingError{
			reason: fmt.Sprintf("failed to bind %s to driver %s, current driver: %s", bdfAddress, driverName, dn),
		}
	}

	klog.Infof("Bound device %s to driver %s", bdfAddress, driverName)

	return nil
}

// PciScan returns the sorted paths of the functions under devDir accepted
// by filterFunc.
func PciScan(filterFunc func(dpath string) bool, devDir string) ([]string, error) {
	pciDevices, err := filepath.Glob(filepath.Join(devDir, "????:??:??.?"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var found []string

	for _, dpath := range pciDevices {
		if filterFunc(dpath) {
			found = append(found, dpath)
		}
	}

	sort.Strings(found)

	klog.V(4).Infof("Found %d compatible devices under %s", len(found), devDir)

	return found, nil
}
