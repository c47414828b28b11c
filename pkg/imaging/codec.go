package imaging

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Ext is the file extension of the reference volume format.
const Ext = ".vol.gz"

// ErrUnsupportedFormat is returned for files the toolkit cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported volume format")

var volMagic = [8]byte{'M', 'I', 'V', 'O', 'L', 0, 0, 1}

// maxVoxels bounds allocations driven by untrusted headers.
const maxVoxels = 1 << 31

// Metadata is the file-level information available without decoding voxels.
type Metadata struct {
	Size      [3]int            `json:"size"`
	Spacing   [3]float64        `json:"spacing"`
	Origin    [3]float64        `json:"origin"`
	Direction [9]float64        `json:"direction"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// encodeVolume writes v as gzip(magic | uint32 header length | JSON header | float64 LE voxels).
func encodeVolume(w io.Writer, v *Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	header, err := json.Marshal(Metadata{
		Size:      v.Size,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
		Tags:      v.Meta,
	})
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)
	if _, err := bw.Write(volMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, v.Data); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// decodeHeader reads the magic and header, leaving r positioned at the voxels.
func decodeHeader(r io.Reader) (*Metadata, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != volMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrUnsupportedFormat)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("header of %d bytes is too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	voxels := md.Size[0] * md.Size[1] * md.Size[2]
	if md.Size[0] <= 0 || md.Size[1] <= 0 || md.Size[2] <= 0 || voxels > maxVoxels {
		return nil, fmt.Errorf("invalid volume size %v", md.Size)
	}
	return &md, nil
}

func decodeVolume(r io.Reader) (*Volume, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	md, err := decodeHeader(br)
	if err != nil {
		return nil, err
	}
	v := &Volume{
		Data:      make([]float64, md.Size[0]*md.Size[1]*md.Size[2]),
		Size:      md.Size,
		Spacing:   md.Spacing,
		Origin:    md.Origin,
		Direction: md.Direction,
		Meta:      md.Tags,
	}
	if err := binary.Read(br, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("reading voxels: %w", err)
	}
	return v, nil
}

func readVolumeFile(path string) (*Volume, error) {
	if !strings.HasSuffix(path, Ext) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeVolume(f)
}

func writeVolumeFile(v *Volume, path string) error {
	if !strings.HasSuffix(path, Ext) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeVolume(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readMetadataFile(path string) (*Metadata, error) {
	if !strings.HasSuffix(path, Ext) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()
	return decodeHeader(zr)
}
