package daemon

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"sync"
)

const iconSize = 32

var iconColors = map[IconVariant]color.RGBA{
	IconUnknown:      {0x8c, 0x95, 0x9f, 0xff},
	IconCompliant:    {0x2e, 0xa0, 0x43, 0xff},
	IconNonCompliant: {0xd1, 0x24, 0x2f, 0xff},
	IconDegraded:     {0xbf, 0x87, 0x00, 0xff},
}

var (
	iconMu    sync.Mutex
	iconCache = map[IconVariant][]byte{}
)

// iconFor returns the tray icon for v as a single-image ICO file
func iconFor(v IconVariant) []byte {
	iconMu.Lock()
	defer iconMu.Unlock()

	if data, ok := iconCache[v]; ok {
		return data
	}
	c, ok := iconColors[v]
	if !ok {
		c = iconColors[IconUnknown]
	}
	data := encodeICO(renderDisc(c, iconSize))
	iconCache[v] = data
	return data
}

func renderDisc(c color.RGBA, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	r := float64(size)/2 - 1
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) + 0.5 - float64(size)/2
			dy := float64(y) + 0.5 - float64(size)/2
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
	return img
}

// encodeICO wraps a PNG rendering of img in an ICO container
func encodeICO(img *image.RGBA) []byte {
	var pngData bytes.Buffer
	// encoding an in-memory RGBA image cannot fail
	_ = png.Encode(&pngData, img)

	size := img.Bounds().Dx()
	var buf bytes.Buffer
	header := struct {
		Reserved uint16
		Type     uint16
		Count    uint16
	}{0, 1, 1}
	entry := struct {
		Width      uint8
		Height     uint8
		Colors     uint8
		Reserved   uint8
		Planes     uint16
		BitCount   uint16
		BytesInRes uint32
		Offset     uint32
	}{uint8(size), uint8(size), 0, 0, 1, 32, uint32(pngData.Len()), 6 + 16}

	binary.Write(&buf, binary.LittleEndian, header)
	binary.Write(&buf, binary.LittleEndian, entry)
	buf.Write(pngData.Bytes())
	return buf.Bytes()
}
