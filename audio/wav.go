package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	WhisperSampleRate = 16000 // Rate required by Whisper
	channels          = 1     // Mono audio
	bitsPerSample     = 16    // Using int16 for samples
	wavHeaderSize     = 44
)

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func WriteWavHeader(file *os.File, sampleRate int, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(channels) * uint32(bitsPerSample) / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(file, binary.LittleEndian, header)
}

func UpdateWavHeader(file *os.File, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, 0); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(dataSize+36)); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, 0); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// WavWriter streams PCM samples to disk so an utterance is never held in
// memory as a whole. The header is patched with the final size on Close.
type WavWriter struct {
	file       *os.File
	sampleRate int
	dataSize   uint32
	buf        []byte
}

// CreateWav creates path and writes a provisional header.
func CreateWav(path string, sampleRate int) (*WavWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	if err := WriteWavHeader(file, sampleRate, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WavWriter{file: file, sampleRate: sampleRate}, nil
}

func (w *WavWriter) Write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	need := len(samples) * 2
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	n, err := w.file.Write(buf)
	w.dataSize += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

func (w *WavWriter) Path() string {
	return w.file.Name()
}

// Samples returns how many samples have been written so far.
func (w *WavWriter) Samples() int {
	return int(w.dataSize / 2)
}

func (w *WavWriter) SampleRate() int {
	return w.sampleRate
}

// Close finalizes the header and closes the file.
func (w *WavWriter) Close() error {
	if err := UpdateWavHeader(w.file, w.dataSize); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// WriteWavFile writes samples to a complete WAV file in one go.
func WriteWavFile(path string, sampleRate int, samples []int16) error {
	w, err := CreateWav(path, sampleRate)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ResampleForWhisper resamples the WAV file to 16kHz for Whisper and returns
// the path of the resampled copy. Files already at 16kHz are returned as is.
func ResampleForWhisper(ctx context.Context, inputPath string, sampleRate int) (string, error) {
	if sampleRate == WhisperSampleRate {
		return inputPath, nil
	}
	outputPath := strings.TrimSuffix(inputPath, ".wav") + "_whisper.wav"

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", WhisperSampleRate),
		"-ac", "1",
		"-y", // Overwrite output file
		outputPath)

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to resample audio: %w", err)
	}

	return outputPath, nil
}
