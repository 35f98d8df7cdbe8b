package daemon

import (
	"bytes"
	"encoding/binary"
	"image/png"
	"testing"
)

func TestIconForIsSinglePNGIcon(t *testing.T) {
	for _, v := range []IconVariant{IconUnknown, IconCompliant, IconNonCompliant, IconDegraded} {
		data := iconFor(v)
		if len(data) < 22 {
			t.Fatalf("icon %d is %d bytes", v, len(data))
		}
		if !bytes.Equal(data[:6], []byte{0, 0, 1, 0, 1, 0}) {
			t.Errorf("icon %d header = % x", v, data[:6])
		}
		if size := binary.LittleEndian.Uint32(data[14:18]); int(size) != len(data)-22 {
			t.Errorf("icon %d image size = %d, want %d", v, size, len(data)-22)
		}
		img, err := png.Decode(bytes.NewReader(data[22:]))
		if err != nil {
			t.Fatalf("icon %d: decode png: %v", v, err)
		}
		if b := img.Bounds(); b.Dx() != iconSize || b.Dy() != iconSize {
			t.Errorf("icon %d bounds = %v", v, b)
		}
	}
}

func TestIconVariantsDiffer(t *testing.T) {
	if bytes.Equal(iconFor(IconCompliant), iconFor(IconNonCompliant)) {
		t.Error("compliant and non-compliant icons are identical")
	}
	if &iconFor(IconDegraded)[0] != &iconFor(IconDegraded)[0] {
		t.Error("iconFor did not cache the rendered icon")
	}
}
