package classification

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// Mode selects the per-channel normalization a model was trained with.
type Mode string

const (
	// ModeCaffe converts RGB to BGR and subtracts the ImageNet means without scaling.
	ModeCaffe Mode = "caffe"
	// ModeTF scales pixels to [-1, 1].
	ModeTF Mode = "tf"
	// ModeTorch scales to [0, 1] and standardizes with the ImageNet mean and std.
	ModeTorch Mode = "torch"
)

// Layout is the axis order of the produced tensor.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

var (
	ErrNilImage   = errors.New("nil image")
	ErrEmptyImage = errors.New("image has no pixels")
)

// Tensor is a single-image batch in the layout the model consumes.
type Tensor struct {
	Shape  [4]int
	Layout Layout
	Data   []float32
}

// Dims returns the shape in the form onnxruntime expects.
func (t *Tensor) Dims() []int64 {
	return []int64{int64(t.Shape[0]), int64(t.Shape[1]), int64(t.Shape[2]), int64(t.Shape[3])}
}

// Height and Width of the spatial axes regardless of layout.
func (t *Tensor) Height() int {
	if t.Layout == LayoutNCHW {
		return t.Shape[2]
	}
	return t.Shape[1]
}

func (t *Tensor) Width() int {
	if t.Layout == LayoutNCHW {
		return t.Shape[3]
	}
	return t.Shape[2]
}

func (t *Tensor) Channels() int {
	if t.Layout == LayoutNCHW {
		return t.Shape[1]
	}
	return t.Shape[3]
}

// At returns the value at row y, column x, channel c of the single batch entry.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[t.index(y, x, c)]
}

func (t *Tensor) index(y, x, c int) int {
	h, w := t.Height(), t.Width()
	if t.Layout == LayoutNCHW {
		return c*h*w + y*w + x
	}
	return (y*w+x)*InputChannels + c
}

type PreprocessOptions struct {
	Width  int
	Height int
	Mode   Mode
	Layout Layout
	Filter string
}

// Preprocessor turns decoded images into normalized model input.
type Preprocessor struct {
	width, height int
	mode          Mode
	layout        Layout
	filter        imaging.ResampleFilter
}

// NewPreprocessor validates opts. Zero fields take the ResNet50 defaults.
func NewPreprocessor(opts PreprocessOptions) (*Preprocessor, error) {
	if opts.Width == 0 {
		opts.Width = InputWidth
	}
	if opts.Height == 0 {
		opts.Height = InputHeight
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", opts.Width, opts.Height)
	}

	mode := Mode(strings.ToLower(string(opts.Mode)))
	switch mode {
	case "":
		mode = ModeCaffe
	case ModeCaffe, ModeTF, ModeTorch:
	default:
		return nil, fmt.Errorf("unknown normalization mode %q", opts.Mode)
	}

	layout := Layout(strings.ToLower(string(opts.Layout)))
	switch layout {
	case "":
		layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return nil, fmt.Errorf("unknown tensor layout %q", opts.Layout)
	}

	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	return &Preprocessor{
		width:  opts.Width,
		height: opts.Height,
		mode:   mode,
		layout: layout,
		filter: filter,
	}, nil
}

// Preprocess runs the default ResNet50 pipeline (caffe, NHWC, bicubic) at the given size.
func Preprocess(img image.Image, width, height int) (*Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	p, err := NewPreprocessor(PreprocessOptions{Width: width, Height: height})
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// ParseFilter maps a config name to a resampling filter. Empty means bicubic.
func ParseFilter(name string) (imaging.ResampleFilter, error) {
	switch strings.ToLower(name) {
	case "", "bicubic", "catmullrom":
		return imaging.CatmullRom, nil
	case "nearest":
		return imaging.NearestNeighbor, nil
	case "linear", "bilinear":
		return imaging.Linear, nil
	case "lanczos":
		return imaging.Lanczos, nil
	case "box":
		return imaging.Box, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter %q", name)
	}
}

func (p *Preprocessor) Size() (int, int) {
	return p.width, p.height
}

func (p *Preprocessor) Layout() Layout {
	return p.layout
}

// InputShape is the tensor shape every Process call produces.
func (p *Preprocessor) InputShape() []int64 {
	if p.layout == LayoutNCHW {
		return []int64{1, InputChannels, int64(p.height), int64(p.width)}
	}
	return []int64{1, int64(p.height), int64(p.width), InputChannels}
}

// Process converts img to three channels, resizes it and normalizes it.
func (p *Preprocessor) Process(img image.Image) (*Tensor, error) {
	resized, err := p.Resize(img)
	if err != nil {
		return nil, err
	}
	return p.Tensorize(resized)
}

// Resize returns img as an NRGBA bitmap of exactly the target size.
// Aspect ratio is not preserved.
func (p *Preprocessor) Resize(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	// Force opacity before resampling: imaging weights color by alpha, which
	// would blacken transparent pixels. NRGBA color is unpremultiplied, so this
	// drops alpha without compositing.
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return imaging.Resize(rgb, p.width, p.height, p.filter), nil
}

// Tensorize adds the batch axis and applies the channel normalization.
func (p *Preprocessor) Tensorize(img *image.NRGBA) (*Tensor, error) {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		return nil, fmt.Errorf("bitmap is %dx%d, want %dx%d", b.Dx(), b.Dy(), p.width, p.height)
	}

	t := &Tensor{
		Layout: p.layout,
		Data:   make([]float32, p.width*p.height*InputChannels),
	}
	if p.layout == LayoutNCHW {
		t.Shape = [4]int{1, InputChannels, p.height, p.width}
	} else {
		t.Shape = [4]int{1, p.height, p.width, InputChannels}
	}

	channelSize := p.width * p.height
	for y := 0; y < p.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < p.width; x++ {
			px := row[x*4 : x*4+3]
			c0, c1, c2 := p.normalize(float32(px[0]), float32(px[1]), float32(px[2]))

			i := y*p.width + x
			if p.layout == LayoutNCHW {
				t.Data[i] = c0
				t.Data[channelSize+i] = c1
				t.Data[channelSize*2+i] = c2
			} else {
				t.Data[i*3] = c0
				t.Data[i*3+1] = c1
				t.Data[i*3+2] = c2
			}
		}
	}

	return t, nil
}

// normalize maps one 0-255 RGB pixel to the three model channels in order.
func (p *Preprocessor) normalize(r, g, b float32) (float32, float32, float32) {
	switch p.mode {
	case ModeTF:
		return r/127.5 - 1, g/127.5 - 1, b/127.5 - 1
	case ModeTorch:
		return (r/255 - torchMeanRGB[0]) / torchStdRGB[0],
			(g/255 - torchMeanRGB[1]) / torchStdRGB[1],
			(b/255 - torchMeanRGB[2]) / torchStdRGB[2]
	default:
		return b - caffeMeanBGR[0], g - caffeMeanBGR[1], r - caffeMeanBGR[2]
	}
}
