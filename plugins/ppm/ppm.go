// Package ppm reads Netpbm pixmaps (P3 and P6, 8-bit) as stills or
// in-memory frame sequences on top of mediaio.SequenceReader, and writes
// them as numbered sequences on top of mediaio.SequenceWriter.
package ppm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
)

// Extension is the file extension this plugin claims.
const Extension = ".ppm"

// OptionData selects the encoding of written frames: DataBinary (P6, the
// default) or DataASCII (P3).
const OptionData = "PPM/Data"

// Values of OptionData.
const (
	DataBinary = "binary"
	DataASCII  = "ascii"
)

var (
	errFormat = errors.New("ppm: unsupported format")
	errEmpty  = errors.New("ppm: frame has no data")
)

// Plugin opens PPM readers.
type Plugin struct {
	log *slog.Logger
}

var _ mediaio.WritePlugin = (*Plugin)(nil)

// New returns the plugin. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Plugin {
	if log == nil {
		log = slog.Default()
	}
	return &Plugin{log: log}
}

func (p *Plugin) Name() string { return "ppm" }

func (p *Plugin) Extensions() map[string]mediaio.FileType {
	return map[string]mediaio.FileType{Extension: mediaio.FileTypeSequence}
}

func (p *Plugin) Open(src mediaio.Source, opts media.Options) (mediaio.Reader, error) {
	return mediaio.NewSequenceReader(src, Decoder{}, opts, p.log), nil
}

// Create implements mediaio.WritePlugin. Only 3-channel video is accepted.
func (p *Plugin) Create(path string, info media.Info, opts media.Options) (mediaio.Writer, error) {
	if len(info.Video) == 0 || info.Video[0].Channels != 3 {
		return nil, fmt.Errorf("%w: unsupported video %+v", errFormat, info.Video)
	}
	switch d := opts.Get(OptionData, DataBinary); d {
	case DataBinary, DataASCII:
	default:
		return nil, fmt.Errorf("%w: data %q", errFormat, d)
	}
	return mediaio.NewSequenceWriter(path, info, Encoder{}, opts, p.log), nil
}

// Encoder implements mediaio.FrameEncoder.
type Encoder struct{}

var _ mediaio.FrameEncoder = Encoder{}

// EncodeFrame writes img as P6, or as P3 when OptionData is DataASCII.
func (Encoder) EncodeFrame(w io.Writer, img *media.Image, opts media.Options) error {
	if opts.Get(OptionData, DataBinary) == DataASCII {
		return EncodeASCII(w, img)
	}
	return Encode(w, img)
}

// Decoder implements mediaio.FrameDecoder. It is stateless.
type Decoder struct{}

var _ mediaio.FrameDecoder = Decoder{}

type header struct {
	magic  string
	width  int
	height int
	maxVal int
}

func open(f mediaio.Frame) (*bufio.Reader, func() error, error) {
	if f.Memory != nil {
		return bufio.NewReader(bytes.NewReader(f.Memory)), func() error { return nil }, nil
	}
	if f.Path == "" {
		return nil, nil, errEmpty
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, err
	}
	return bufio.NewReader(file), file.Close, nil
}

// DecodeInfo reads only the header.
func (Decoder) DecodeInfo(f mediaio.Frame) (media.ImageInfo, map[string]string, error) {
	r, closeFn, err := open(f)
	if err != nil {
		return media.ImageInfo{}, nil, err
	}
	defer closeFn()
	h, err := readHeader(r)
	if err != nil {
		return media.ImageInfo{}, nil, err
	}
	tags := map[string]string{
		"PPM/Format": h.magic,
		"PPM/MaxVal": strconv.Itoa(h.maxVal),
	}
	return media.ImageInfo{Width: h.width, Height: h.height, Channels: 3}, tags, nil
}

// DecodeFrame decodes the full image.
func (Decoder) DecodeFrame(f mediaio.Frame, _ media.Options) (*media.Image, error) {
	r, closeFn, err := open(f)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return Decode(r)
}

// Decode reads a P3 or P6 image from r.
func Decode(r io.Reader) (*media.Image, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	img := media.NewImage(media.ImageInfo{Width: h.width, Height: h.height, Channels: 3})
	switch h.magic {
	case "P6":
		if _, err := io.ReadFull(br, img.Data); err != nil {
			return nil, fmt.Errorf("ppm: pixel data: %w", err)
		}
	case "P3":
		for i := range img.Data {
			v, err := readInt(br)
			if err != nil {
				return nil, fmt.Errorf("ppm: sample %d: %w", i, err)
			}
			img.Data[i] = uint8(v)
		}
	}
	if h.maxVal != 255 {
		for i, v := range img.Data {
			img.Data[i] = uint8(min(255, int(v)*255/h.maxVal))
		}
	}
	return img, nil
}

// Encode writes img as a binary P6 pixmap. Images must have 3 channels.
func Encode(w io.Writer, img *media.Image) error {
	if img == nil || img.Info.Channels != 3 {
		return errFormat
	}
	if _, err := fmt.Fprintf(w, "P6\n%d %d\n255\n", img.Info.Width, img.Info.Height); err != nil {
		return err
	}
	_, err := w.Write(img.Data)
	return err
}

// EncodeASCII writes img as a plain P3 pixmap, one pixel per line.
func EncodeASCII(w io.Writer, img *media.Image) error {
	if img == nil || img.Info.Channels != 3 {
		return errFormat
	}
	if _, err := fmt.Fprintf(w, "P3\n%d %d\n255\n", img.Info.Width, img.Info.Height); err != nil {
		return err
	}
	for i := 0; i+2 < len(img.Data); i += 3 {
		if _, err := fmt.Fprintf(w, "%d %d %d\n", img.Data[i], img.Data[i+1], img.Data[i+2]); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r *bufio.Reader) (header, error) {
	var h header
	magic := make([]byte, 2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, fmt.Errorf("ppm: magic: %w", err)
	}
	h.magic = string(magic)
	if h.magic != "P3" && h.magic != "P6" {
		return h, fmt.Errorf("%w: %q", errFormat, h.magic)
	}
	var err error
	if h.width, err = readInt(r); err != nil {
		return h, fmt.Errorf("ppm: width: %w", err)
	}
	if h.height, err = readInt(r); err != nil {
		return h, fmt.Errorf("ppm: height: %w", err)
	}
	if h.maxVal, err = readInt(r); err != nil {
		return h, fmt.Errorf("ppm: maxval: %w", err)
	}
	if h.width <= 0 || h.height <= 0 || h.maxVal <= 0 || h.maxVal > 255 {
		return h, fmt.Errorf("%w: %dx%d maxval %d", errFormat, h.width, h.height, h.maxVal)
	}
	// Exactly one whitespace byte separates the header from binary data.
	if h.magic == "P6" {
		if _, err := r.ReadByte(); err != nil {
			return h, fmt.Errorf("ppm: header: %w", err)
		}
	}
	return h, nil
}

// readInt skips whitespace and '#' comments, then reads a decimal token.
func readInt(r *bufio.Reader) (int, error) {
	var digits []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(digits) > 0 {
				break
			}
			return 0, err
		}
		switch {
		case c == '#' && len(digits) == 0:
			if _, err := r.ReadString('\n'); err != nil {
				return 0, err
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(digits) > 0 {
				if err := r.UnreadByte(); err != nil {
					return 0, err
				}
				return strconv.Atoi(string(digits))
			}
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		default:
			return 0, fmt.Errorf("unexpected byte %q", c)
		}
	}
	return strconv.Atoi(string(digits))
}
