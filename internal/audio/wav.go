package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// WriteWAV encodes mono float32 samples as 16-bit PCM WAV into w.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: wavBitDepth,
	}
	for i, s := range samples {
		buffer.Data[i] = int(floatToInt16(s))
	}

	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns samples as an in-memory 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	var buf seekBuffer
	if err := WriteWAV(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// WAVReader streams fixed-size mono frames out of a PCM WAV file,
// downmixing multi-channel audio by averaging.
type WAVReader struct {
	dec      *wav.Decoder
	format   *goaudio.Format
	bitDepth int
}

func NewWAVReader(r io.ReadSeeker) (*WAVReader, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	format := dec.Format()
	if format == nil || format.NumChannels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("wav file has no usable format")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = wavBitDepth
	}
	return &WAVReader{dec: dec, format: format, bitDepth: bitDepth}, nil
}

func (r *WAVReader) SampleRate() int { return r.format.SampleRate }

func (r *WAVReader) Channels() int { return r.format.NumChannels }

// Read returns up to frameSize mono samples. It returns io.EOF once the data
// chunk is exhausted.
func (r *WAVReader) Read(frameSize int) ([]float32, error) {
	channels := r.format.NumChannels
	buf := &goaudio.IntBuffer{
		Format:         r.format,
		Data:           make([]int, frameSize*channels),
		SourceBitDepth: r.bitDepth,
	}
	n, err := r.dec.PCMBuffer(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}

	scale := float32(int64(1) << (r.bitDepth - 1))
	// 8-bit PCM is unsigned with silence at 128.
	bias := 0
	if r.bitDepth == 8 {
		bias = 128
	}
	frames := n / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum int
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c] - bias
		}
		out[i] = float32(sum) / float32(channels) / scale
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}
