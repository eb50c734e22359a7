package firmware

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc8"

	"github.com/mklimuk/ultrasonic/sonic"
)

// Image layout, multi byte fields little endian:
//
//	magic "CHFW" | format | len+variant | len+version |
//	code size u16 | ram init size u16 | ram init addr u16 | oversample |
//	code | ram init | crc8
const (
	imageMagic  = "CHFW"
	imageFormat = 1

	imagePrefixSize = len(imageMagic) + 2
	imageSizesSize  = 7
)

var imageTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// Memory is byte addressable storage such as an EEPROM.
type Memory interface {
	ReadAt(ctx context.Context, address uint32, buf []byte) error
	WriteAt(ctx context.Context, address uint32, data []byte) error
}

// Encode serializes fw into a self describing image.
func Encode(fw *sonic.Firmware) ([]byte, error) {
	if err := Validate(fw); err != nil {
		return nil, err
	}
	if len(fw.Version) > 0xFF {
		return nil, fmt.Errorf("%w: version string of %d bytes", ErrInvalid, len(fw.Version))
	}
	var b bytes.Buffer
	b.WriteString(imageMagic)
	b.WriteByte(imageFormat)
	b.WriteByte(byte(len(fw.Variant.Name)))
	b.WriteString(fw.Variant.Name)
	b.WriteByte(byte(len(fw.Version)))
	b.WriteString(fw.Version)
	sizes := make([]byte, imageSizesSize)
	binary.LittleEndian.PutUint16(sizes[0:], uint16(len(fw.Code)))
	binary.LittleEndian.PutUint16(sizes[2:], uint16(len(fw.RAMInit)))
	binary.LittleEndian.PutUint16(sizes[4:], fw.RAMInitAddr)
	sizes[6] = fw.Oversample
	b.Write(sizes)
	b.Write(fw.Code)
	b.Write(fw.RAMInit)
	b.WriteByte(crc8.Checksum(b.Bytes(), imageTable))
	return b.Bytes(), nil
}

// Decode parses an image produced by Encode.
func Decode(data []byte) (*sonic.Firmware, error) {
	r := imageReader{data: data}
	if string(r.next(len(imageMagic))) != imageMagic {
		return nil, fmt.Errorf("%w: bad image magic", ErrInvalid)
	}
	if f := r.u8(); f != imageFormat {
		return nil, fmt.Errorf("%w: image format %d", ErrInvalid, f)
	}
	name := string(r.next(int(r.u8())))
	version := string(r.next(int(r.u8())))
	sizes := r.next(imageSizesSize)
	if r.short {
		return nil, fmt.Errorf("%w: truncated image header", ErrInvalid)
	}
	v, ok := sonic.VariantByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalid, name)
	}
	fw := &sonic.Firmware{
		Variant:     v,
		Version:     version,
		RAMInitAddr: binary.LittleEndian.Uint16(sizes[4:]),
		Oversample:  sizes[6],
	}
	fw.Code = bytes.Clone(r.next(int(binary.LittleEndian.Uint16(sizes[0:]))))
	if n := int(binary.LittleEndian.Uint16(sizes[2:])); n > 0 {
		fw.RAMInit = bytes.Clone(r.next(n))
	}
	body := r.off
	sum := r.u8()
	if r.short {
		return nil, fmt.Errorf("%w: truncated image", ErrInvalid)
	}
	if crc8.Checksum(data[:body], imageTable) != sum {
		return nil, fmt.Errorf("%w: image checksum mismatch", ErrInvalid)
	}
	if err := Validate(fw); err != nil {
		return nil, err
	}
	return fw, nil
}

type imageReader struct {
	data  []byte
	off   int
	short bool
}

func (r *imageReader) next(n int) []byte {
	if r.short || r.off+n > len(r.data) {
		r.short = true
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *imageReader) u8() byte {
	return r.next(1)[0]
}

// Store writes fw as an image at address.
func Store(ctx context.Context, mem Memory, address uint32, fw *sonic.Firmware) error {
	img, err := Encode(fw)
	if err != nil {
		return err
	}
	if err := mem.WriteAt(ctx, address, img); err != nil {
		return fmt.Errorf("could not store firmware image: %w", err)
	}
	return nil
}

// Fetch reads back an image written by Store. The header is read first so
// that only the bytes the image occupies are transferred.
func Fetch(ctx context.Context, mem Memory, address uint32) (*sonic.Firmware, error) {
	img := make([]byte, 0, 2*sonic.CH201.ProgMemSize)
	read := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if err := mem.ReadAt(ctx, address+uint32(len(img)), buf); err != nil {
			return nil, fmt.Errorf("could not fetch firmware image: %w", err)
		}
		img = append(img, buf...)
		return buf, nil
	}
	prefix, err := read(imagePrefixSize)
	if err != nil {
		return nil, err
	}
	if string(prefix[:len(imageMagic)]) != imageMagic {
		return nil, fmt.Errorf("%w: no firmware image at %#05x", ErrInvalid, address)
	}
	name := int(prefix[imagePrefixSize-1])
	rest, err := read(name + 1)
	if err != nil {
		return nil, err
	}
	version := int(rest[name])
	rest, err = read(version + imageSizesSize)
	if err != nil {
		return nil, err
	}
	sizes := rest[version:]
	body := int(binary.LittleEndian.Uint16(sizes[0:])) + int(binary.LittleEndian.Uint16(sizes[2:]))
	if _, err := read(body + 1); err != nil {
		return nil, err
	}
	return Decode(img)
}
