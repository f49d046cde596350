package memviz

import (
	"bufio"
	"encoding/binary"
	"image"
	"io"
	"os"
)

// WriteRaw renders s in the framebuffer image format: width and height as
// little-endian uint32s followed by one little-endian ARGB8888 word per
// pixel, row by row.
func WriteRaw(w io.Writer, s Snapshot) error {
	return EncodeRaw(w, Render(s).Image())
}

// EncodeRaw writes img in the framebuffer image format.
func EncodeRaw(w io.Writer, img image.Image) error {
	bw := bufio.NewWriter(w)
	bounds := img.Bounds()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(bounds.Dx()))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(bounds.Dy()))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	var px [4]byte
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			// 16-bit channels down to 8
			argb := (a>>8)<<24 | (r>>8)<<16 | (g>>8)<<8 | b>>8
			binary.LittleEndian.PutUint32(px[:], argb)
			if _, err := bw.Write(px[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// SaveRaw renders s to a file in the framebuffer image format.
func SaveRaw(path string, s Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRaw(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
