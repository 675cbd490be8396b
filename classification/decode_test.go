package classification

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeBytes(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 100, 300))
	src.SetGray(5, 5, color.Gray{Y: 200})

	img, err := DecodeBytes(encodePNG(t, src))
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 300 {
		t.Errorf("bounds = %v", b)
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": encodePNG(t, image.NewRGBA(image.Rect(0, 0, 16, 16)))[:20],
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			img, err := DecodeBytes(data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("err = %v, want ErrDecode", err)
			}
			if img != nil {
				t.Errorf("got an image on failure")
			}
		})
	}
}

func TestOpenImage(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "ok.png")
	if err := os.WriteFile(good, encodePNG(t, image.NewRGBA(image.Rect(0, 0, 3, 3))), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenImage(good); err != nil {
		t.Errorf("OpenImage(valid): %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.jpg")
	if err := os.WriteFile(corrupt, []byte{0xff, 0xd8, 0xff, 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{corrupt, filepath.Join(dir, "missing.png")} {
		if _, err := OpenImage(path); !errors.Is(err, ErrDecode) {
			t.Errorf("OpenImage(%s): err = %v, want ErrDecode", filepath.Base(path), err)
		}
	}
}
