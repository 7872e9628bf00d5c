package transcribe

import (
	"bytes"
	"strings"
)

// DefaultMaxAudioBytes matches the upload cap of the cloud API.
const DefaultMaxAudioBytes = 25 << 20

// Options are the per-call parameters both clients accept.
type Options struct {
	Language  string
	Model     string
	Translate bool
}

// ValidateAudio rejects empty and oversized buffers. The container format is
// left to the backend, which answers 415/400 for audio it cannot read.
// maxBytes <= 0 disables the size check.
func ValidateAudio(audio []byte, maxBytes int) error {
	if len(audio) == 0 {
		return &Error{Kind: KindEmptyAudio}
	}
	if maxBytes > 0 && len(audio) > maxBytes {
		return &Error{Kind: KindAudioTooLarge}
	}
	return nil
}

// SniffFormat returns a file extension for recognized audio containers, or
// "" when the bytes match none of them.
func SniffFormat(audio []byte) string {
	switch {
	case len(audio) >= 12 && bytes.Equal(audio[0:4], []byte("RIFF")) && bytes.Equal(audio[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(audio, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(audio, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(audio, []byte("ID3")),
		len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "mp3"
	case len(audio) >= 8 && bytes.Equal(audio[4:8], []byte("ftyp")):
		return "m4a"
	case bytes.HasPrefix(audio, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "webm"
	default:
		return ""
	}
}

// Filename names the multipart file part after the sniffed format, falling
// back to wav for buffers that match no known container.
func Filename(audio []byte) string {
	ext := SniffFormat(audio)
	if ext == "" {
		ext = "wav"
	}
	return "audio." + ext
}

// NormalizeLanguage maps "auto" and blanks to "" so callers omit the field.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}

// NormalizeText trims the transcript and reports no speech for blank output.
// The error names no engine: re-sending the same audio cannot help.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Kind: KindNoSpeech}
	}
	return text, nil
}
