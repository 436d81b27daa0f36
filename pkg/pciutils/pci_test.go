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

package pciutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/efct-io/auxres/pkg/auxdev"
)

type TestCaseFilesystem struct {
	symlinkfiles map[string]string
	sysfsfiles   map[string][]byte
	baseSysfs    string
	sysfsdirs    []string
}

func createSysfsTestFiles(root string, tc TestCaseFilesystem) (string, error) {
	sysfsPath := filepath.Join(root, tc.baseSysfs)

	for _, dir := range tc.sysfsdirs {
		fullPath := filepath.Join(sysfsPath, dir)
		if err := os.MkdirAll(fullPath, 0700); err != nil {
			return "", fmt.Errorf("couldn't create test sysfs dir %s: %w", fullPath, err)
		}
	}

	for file, content := range tc.sysfsfiles {
		fullPath := filepath.Join(sysfsPath, file)

		if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
			return "", fmt.Errorf("couldn't create test sysfs file dir %s: %w", filepath.Dir(fullPath), err)
		}

		if err := os.WriteFile(fullPath, content, 0o600); err != nil {
			return "", fmt.Errorf("couldn't create test sysfs file %s: %w", fullPath, err)
		}
	}

	for link, target := range tc.symlinkfiles {
		fullLinkPath := filepath.Join(sysfsPath, link)
		fullTargetPath := filepath.Join(sysfsPath, target)

		if err := os.MkdirAll(fullTargetPath, 0700); err != nil {
			return "", fmt.Errorf("couldn't create test symlink target dir %s: %w", fullTargetPath, err)
		}

		if err := os.Symlink(fullTargetPath, fullLinkPath); err != nil {
			return "", fmt.Errorf("couldn't create test symlink %s -> %s: %w", fullLinkPath, fullTargetPath, err)
		}
	}

	return sysfsPath, nil
}

const resourceFile = "0x00000000fe000000 0x00000000feffffff 0x0000000000140204\n" +
	"0x0000000000000000 0x0000000000000000 0x0000000000000000\n" +
	"0x00000000fd000000 0x00000000fd00ffff 0x0000000000140204\n"

func efctFunction(bdf string) map[string][]byte {
	return map[string][]byte{
		bdf + "/vendor":             []byte("0x1924\n"),
		bdf + "/class":              []byte("0x020000\n"),
		bdf + "/device":             []byte("0x0c03\n"),
		bdf + "/revision":           []byte("0x01\n"),
		bdf + "/resource":           []byte(resourceFile),
		bdf + "/net/eth3/ifindex":   []byte("5\n"),
		bdf + "/net/eth3/carrier":   []byte("1\n"),
		bdf + "/net/eth3n1/ifindex": []byte("9\n"),
	}
}

func TestValidatePCIDeviceIDs(t *testing.T) {
	tcases := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:  "valid single ID",
			input: "0x0c03",
		},
		{
			name:  "valid IDs with spaces",
			input: " 0x0c03 , 0x0b03 ",
		},
		{
			name: "empty string",
		},
		{
			name:      "invalid ID format",
			input:     "0x0c03,abcd",
			wantError: true,
		},
		{
			name:      "extra comma",
			input:     "0x0c03,",
			wantError: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePCIDeviceIDs(tc.input)
			if (err != nil) != tc.wantError {
				t.Errorf("ValidatePCIDeviceIDs() error = %v, wantError %v", err, tc.wantError)
			}
		})
	}
}

func TestIsCompatibleNICDevice(t *testing.T) {
	withFile := func(name, content string) map[string][]byte {
		files := efctFunction("0000:01:00.0")
		files["0000:01:00.0/"+name] = []byte(content)

		return files
	}

	tcases := []struct {
		name       string
		allowIds   string
		denyIds    string
		files      map[string][]byte
		expectPass bool
	}{
		{
			name:       "solarflare nic",
			files:      efctFunction("0000:01:00.0"),
			expectPass: true,
		},
		{
			name:       "xilinx nic",
			files:      withFile("vendor", "0x10ee"),
			expectPass: true,
		},
		{
			name:  "wrong vendor",
			files: withFile("vendor", "0x8086"),
		},
		{
			name:  "wrong class",
			files: withFile("class", "0x030000"),
		},
		{
			name:    "deny id match",
			files:   efctFunction("0000:01:00.0"),
			denyIds: "0x0C03",
		},
		{
			name:     "allow id non-match",
			files:    efctFunction("0000:01:00.0"),
			allowIds: "0x0b03",
		},
		{
			name:       "allow id match",
			files:      efctFunction("0000:01:00.0"),
			allowIds:   "0x0b03,0x0c03",
			expectPass: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sysfs, err := createSysfsTestFiles(t.TempDir(), TestCaseFilesystem{
				baseSysfs:  "sys/bus/pci/devices",
				sysfsfiles: tc.files,
			})
			if err != nil {
				t.Fatalf("Unexpected error: %+v", err)
			}

			dpath := filepath.Join(sysfs, "0000:01:00.0")
			if compatible := IsCompatibleNICDevice(dpath, tc.allowIds, tc.denyIds); compatible != tc.expectPass {
				t.Errorf("Expected %t, got %t for device %s", tc.expectPass, compatible, dpath)
			}
		})
	}
}

func TestReadDevice(t *testing.T) {
	sysfs, err := createSysfsTestFiles(t.TempDir(), TestCaseFilesystem{
		baseSysfs:  "sys/bus/pci/devices",
		sysfsfiles: efctFunction("0000:01:00.0"),
		symlinkfiles: map[string]string{
			"0000:01:00.0/driver": "drivers/xilinx_efct",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	dpath := filepath.Join(sysfs, "0000:01:00.0")

	dev, err := ReadDevice(dpath)
	if err != nil {
		t.Fatalf("ReadDevice failed: %+v", err)
	}

	expected := &Device{
		Path:     dpath,
		BDF:      "0000:01:00.0",
		Vendor:   "0x1924",
		DeviceID: "0x0c03",
		Revision: 1,
		Driver:   "xilinx_efct",
		NetDev:   auxdev.NetDev{Name: "eth3", Index: 5},
		BAR0:     auxdev.ConfigMem{Base: 0xfe000000, Size: 0x1000000},
	}

	if diff := cmp.Diff(expected, dev); diff != "" {
		t.Errorf("Unexpected device (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(CarrierPath(dpath, dev.NetDev.Name)); err != nil {
		t.Errorf("Carrier path is wrong: %v", err)
	}
}

func TestReadResource(t *testing.T) {
	tcases := []struct {
		name        string
		content     string
		bar         int
		expected    auxdev.ConfigMem
		expectedErr bool
	}{
		{
			name:     "bar 0",
			content:  resourceFile,
			expected: auxdev.ConfigMem{Base: 0xfe000000, Size: 0x1000000},
		},
		{
			name:     "bar 2",
			content:  resourceFile,
			bar:      2,
			expected: auxdev.ConfigMem{Base: 0xfd000000, Size: 0x10000},
		},
		{
			name:        "unassigned bar",
			content:     resourceFile,
			bar:         1,
			expectedErr: true,
		},
		{
			name:        "missing bar",
			content:     resourceFile,
			bar:         5,
			expectedErr: true,
		},
		{
			name:        "malformed",
			content:     "0xfe000000 0xfeffffff\n",
			expectedErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "resource"), []byte(tc.content), 0o600); err != nil {
				t.Fatal(err)
			}

			mem, err := ReadResource(dir, tc.bar)
			if (err != nil) != tc.expectedErr {
				t.Fatalf("Expected error %t, got %v", tc.expectedErr, err)
			}

			if diff := cmp.Diff(tc.expected, mem); diff != "" {
				t.Errorf("Unexpected BAR (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPciScan(t *testing.T) {
	files := efctFunction("0000:02:00.0")
	for k, v := range efctFunction("0000:01:00.0") {
		files[k] = v
	}

	files["0000:00:1f.6/vendor"] = []byte("0x8086")
	files["0000:00:1f.6/class"] = []byte("0x020000")
	files["0000:00:1f.6/device"] = []byte("0x15bc")

	sysfs, err := createSysfsTestFiles(t.TempDir(), TestCaseFilesystem{
		baseSysfs:  "sys/bus/pci/devices",
		sysfsfiles: files,
	})
	if err != nil {
		t.Fatal(err)
	}

	found, err := PciScan(func(dpath string) bool {
		return IsCompatibleNICDevice(dpath, "", "")
	}, sysfs)
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{
		filepath.Join(sysfs, "0000:01:00.0"),
		filepath.Join(sysfs, "0000:02:00.0"),
	}

	if diff := cmp.Diff(expected, found); diff != "" {
		t.Errorf("Unexpected scan result (-want +got):\n%s", diff)
	}
}

func TestBindDeviceToDriver(t *testing.T) {
	tcases := []struct {
		expectContents map[string]string
		name           string
		fs             TestCaseFilesystem
		expectPass     bool
	}{
		{
			name: "already bound to xilinx_efct",
			fs: TestCaseFilesystem{
				baseSysfs: "sys/bus/pci",
				sysfsdirs: []string{"devices/0000:01:00.0/"},
				sysfsfiles: map[string][]byte{
					"devices/0000:01:00.0/vendor": []byte("0x1924"),
					"devices/0000:01:00.0/device": []byte("0x0c03"),
					"drivers/xilinx_efct/new_id":  []byte(""),
					"drivers/sfc/unbind":          []byte(""),
				},
				symlinkfiles: map[string]string{
					"devices/0000:01:00.0/driver": "drivers/xilinx_efct",
				},
			},
			expectPass: true,
		},
		{
			name: "bind from sfc to xilinx_efct",
			fs: TestCaseFilesystem{
				baseSysfs: "sys/bus/pci",
				sysfsdirs: []string{"devices/0000:01:00.0/"},
				sysfsfiles: map[string][]byte{
					"devices/0000:01:00.0/vendor": []byte("0x1924"),
					"devices/0000:01:00.0/device": []byte("0x0c03"),
					"drivers/sfc/unbind":          []byte(""),
					"drivers/xilinx_efct/new_id":  []byte(""),
					"drivers/xilinx_efct/bind":    []byte(""),
				},
				symlinkfiles: map[string]string{
					"devices/0000:01:00.0/driver": "drivers/sfc",
				},
			},
			expectContents: map[string]string{
				"drivers/xilinx_efct/new_id": "1924 0c03",
				"drivers/xilinx_efct/bind":   "0000:01:00.0",
				"drivers/sfc/unbind":         "0000:01:00.0",
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sysfs, err := createSysfsTestFiles(t.TempDir(), tc.fs)
			if err != nil {
				t.Fatalf("Unexpected error: %+v", err)
			}

			driversPath := filepath.Join(sysfs, "drivers")

			for _, device := range tc.fs.sysfsdirs {
				dpath := filepath.Join(sysfs, device)
				err := BindDeviceToDriver(dpath, driversPath, "xilinx_efct")

				if tc.expectPass && err != nil {
					t.Errorf("Expected bind to pass for %s, got %+v", dpath, err)
				}

				for fakefile, expectedContent := range tc.expectContents {
					fullpath := filepath.Join(sysfs, fakefile)

					content, err := os.ReadFile(fullpath)
					if err != nil {
						t.Errorf("Couldn't read file %s: %+v", fullpath, err)
					}

					if string(content) != expectedContent {
						t.Errorf("Expected file %s to have content '%s', got '%s'", fullpath, expectedContent, string(content))
					}
				}
			}
		})
	}
}
