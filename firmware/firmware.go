// Package firmware loads sensor firmware bundles from disk.
//
// A bundle is a directory holding a manifest next to raw binary images:
//
//	variant: ch201
//	version: gprmt_v10
//	code: ch201_gprmt.bin
//	ram_init: ch201_gprmt_ram.bin
//	ram_init_addr: 0x0220
//	oversample: 0
package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/ultrasonic/sonic"
)

const ManifestName = "firmware.yaml"

var ErrInvalid = errors.New("invalid firmware bundle")

// Manifest describes a bundle. File names are relative to the bundle directory.
type Manifest struct {
	Variant     string `yaml:"variant"`
	Version     string `yaml:"version"`
	Code        string `yaml:"code"`
	RAMInit     string `yaml:"ram_init,omitempty"`
	RAMInitAddr uint16 `yaml:"ram_init_addr,omitempty"`
	Oversample  uint8  `yaml:"oversample,omitempty"`
}

// Load reads the manifest in dir and the images it names.
func Load(dir string) (*sonic.Firmware, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("could not read firmware manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not decode firmware manifest: %w", err)
	}
	return m.Load(dir)
}

// Load reads the images named by the manifest from dir.
func (m Manifest) Load(dir string) (*sonic.Firmware, error) {
	v, ok := sonic.VariantByName(m.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalid, m.Variant)
	}
	if m.Code == "" {
		return nil, fmt.Errorf("%w: no code image", ErrInvalid)
	}
	fw := &sonic.Firmware{
		Variant:     v,
		Version:     m.Version,
		RAMInitAddr: m.RAMInitAddr,
		Oversample:  m.Oversample,
	}
	var err error
	fw.Code, err = os.ReadFile(filepath.Join(dir, m.Code))
	if err != nil {
		return nil, fmt.Errorf("could not read code image: %w", err)
	}
	if m.RAMInit != "" {
		fw.RAMInit, err = os.ReadFile(filepath.Join(dir, m.RAMInit))
		if err != nil {
			return nil, fmt.Errorf("could not read ram init image: %w", err)
		}
	}
	if err := Validate(fw); err != nil {
		return nil, err
	}
	return fw, nil
}

// Validate checks that the images fit the variant memories.
func Validate(fw *sonic.Firmware) error {
	if fw.Variant == nil {
		return fmt.Errorf("%w: no variant", ErrInvalid)
	}
	if len(fw.Code) == 0 || len(fw.Code) > fw.Variant.ProgMemSize {
		return fmt.Errorf("%w: code image of %d bytes, %s program memory holds %d", ErrInvalid, len(fw.Code), fw.Variant.Name, fw.Variant.ProgMemSize)
	}
	if len(fw.RAMInit) > 0 {
		if fw.RAMInitAddr < fw.Variant.DataMemAddr {
			return fmt.Errorf("%w: ram init at %#04x is below data memory", ErrInvalid, fw.RAMInitAddr)
		}
		if int(fw.RAMInitAddr)+len(fw.RAMInit) > int(fw.Variant.ProgMemAddr) {
			return fmt.Errorf("%w: ram init of %d bytes at %#04x overlaps program memory", ErrInvalid, len(fw.RAMInit), fw.RAMInitAddr)
		}
	}
	if fw.Oversample > 3 {
		return fmt.Errorf("%w: oversample %d", ErrInvalid, fw.Oversample)
	}
	return nil
}

// Save writes fw as a bundle into dir, which must exist.
func Save(dir string, fw *sonic.Firmware) error {
	if err := Validate(fw); err != nil {
		return err
	}
	m := Manifest{
		Variant:     fw.Variant.Name,
		Version:     fw.Version,
		Code:        "code.bin",
		RAMInitAddr: fw.RAMInitAddr,
		Oversample:  fw.Oversample,
	}
	if err := os.WriteFile(filepath.Join(dir, m.Code), fw.Code, 0o644); err != nil {
		return fmt.Errorf("could not write code image: %w", err)
	}
	if len(fw.RAMInit) > 0 {
		m.RAMInit = "ram_init.bin"
		if err := os.WriteFile(filepath.Join(dir, m.RAMInit), fw.RAMInit, 0o644); err != nil {
			return fmt.Errorf("could not write ram init image: %w", err)
		}
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("could not encode firmware manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("could not write firmware manifest: %w", err)
	}
	return nil
}
