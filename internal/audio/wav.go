package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by this package.
	WAVHeaderSize = 44

	wavChannels      = 1
	wavBitsPerSample = 16
	wavFormatPCM     = 1
)

var ErrInvalidWAV = errors.New("invalid wav data")

// Header is the decoded fmt/data description of a PCM WAV stream.
type Header struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV clamps float samples to [-1, 1], converts them to PCM16LE and
// wraps them in a mono WAV container. The result is always 44+2*len(samples) bytes.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + 2*len(samples))
	// bytes.Buffer writes never fail.
	_ = WriteWAV(&buf, samples, sampleRate)
	return buf.Bytes()
}

// WriteWAV writes float samples to out as a mono PCM16LE WAV stream.
func WriteWAV(out io.Writer, samples []float32, sampleRate int) error {
	w := bufio.NewWriter(out)
	if err := writeHeader(w, uint32(2*len(samples)), sampleRate); err != nil {
		return err
	}
	var b [2]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(FloatToPCM16(s)))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// FloatToPCM16 converts one sample. Negative values scale by 32768 and
// non-negative values by 32767; the fraction is truncated.
func FloatToPCM16(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// PCM16LE converts float samples to raw little-endian PCM16 bytes, the
// format streaming recognizers accept.
func PCM16LE(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(FloatToPCM16(s)))
	}
	return out
}

// Int16LE serializes already-quantized samples.
func Int16LE(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	w := bufio.NewWriter(out)
	if err := writeHeader(w, uint32(len(pcm)), sampleRate); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

func writeHeader(w *bufio.Writer, dataSize uint32, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	byteRate := uint32(sampleRate * wavChannels * wavBitsPerSample / 8)
	blockAlign := uint16(wavChannels * wavBitsPerSample / 8)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fields := []any{
		uint32(16),
		uint16(wavFormatPCM),
		uint16(wavChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(wavBitsPerSample),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, dataSize)
}

// DecodeWAVHeader parses the RIFF/fmt/data layout and returns the header of the
// first data chunk. Unknown chunks between fmt and data are skipped.
func DecodeWAVHeader(data []byte) (Header, error) {
	h, _, err := parseWAV(data)
	return h, err
}

// DecodePCM16 returns the header and the little-endian PCM16 samples of a WAV buffer.
func DecodePCM16(data []byte) (Header, []int16, error) {
	h, off, err := parseWAV(data)
	if err != nil {
		return Header{}, nil, err
	}
	if h.AudioFormat != wavFormatPCM || h.BitsPerSample != 16 {
		return Header{}, nil, fmt.Errorf("%w: unsupported format %d/%d bits", ErrInvalidWAV, h.AudioFormat, h.BitsPerSample)
	}
	end := off + int(h.DataSize)
	if end > len(data) {
		end = len(data)
	}
	pcm := data[off:end]
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return h, samples, nil
}

func parseWAV(data []byte) (Header, int, error) {
	if len(data) < WAVHeaderSize {
		return Header{}, 0, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidWAV, WAVHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Header{}, 0, fmt.Errorf("%w: missing RIFF/WAVE tags", ErrInvalidWAV)
	}

	var (
		h      Header
		sawFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Header{}, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			h.AudioFormat = binary.LittleEndian.Uint16(data[body:])
			h.Channels = binary.LittleEndian.Uint16(data[body+2:])
			h.SampleRate = binary.LittleEndian.Uint32(data[body+4:])
			h.ByteRate = binary.LittleEndian.Uint32(data[body+8:])
			h.BlockAlign = binary.LittleEndian.Uint16(data[body+12:])
			h.BitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			sawFmt = true
		case "data":
			if !sawFmt {
				return Header{}, 0, fmt.Errorf("%w: data chunk before fmt", ErrInvalidWAV)
			}
			h.DataSize = size
			return h, body, nil
		}
		// Chunks are padded to an even size.
		off = body + int(size) + int(size&1)
	}
	return Header{}, 0, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
