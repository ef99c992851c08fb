// Package manifest reads composite manifests.
//
// A manifest is line oriented. Each non-blank line names an output followed
// by the component identifiers to stack, bottom layer first:
//
//	ev01_a  bg01 ev01_body ev01_face_a
//	ev01_b  bg01 ev01_body ev01_face_b
package manifest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrBlankLine is returned by ParseLine for lines without tokens.
	ErrBlankLine = errors.New("blank manifest line")
	// ErrNoComponents is returned by ParseLine for lines that name an output
	// but no layers.
	ErrNoComponents = errors.New("no components listed")
)

// Encoding selects how manifest bytes are turned into text.
type Encoding string

const (
	EncodingAuto     Encoding = "auto"
	EncodingUTF8     Encoding = "utf-8"
	EncodingShiftJIS Encoding = "shift-jis"
)

// ParseEncoding accepts the flag spellings of an Encoding.
func ParseEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return EncodingAuto, nil
	case "utf-8", "utf8":
		return EncodingUTF8, nil
	case "shift-jis", "shift_jis", "sjis", "cp932":
		return EncodingShiftJIS, nil
	default:
		return "", fmt.Errorf("unknown manifest encoding %q (expected auto, utf-8, or shift-jis)", raw)
	}
}

// Entry is one parsed manifest line.
type Entry struct {
	Output     string
	Components []string
}

// ParseLine splits a line on whitespace. A line with an output but no
// components returns the partial Entry together with ErrNoComponents so the
// caller can still report which output failed.
func ParseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Entry{}, ErrBlankLine
	}
	entry := Entry{Output: fields[0], Components: fields[1:]}
	if len(entry.Components) == 0 {
		return entry, fmt.Errorf("%s: %w", entry.Output, ErrNoComponents)
	}
	return entry, nil
}

// Read decodes r and returns its non-blank lines with line endings removed.
func Read(r io.Reader, enc Encoding) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	text, err := decode(data, enc)
	if err != nil {
		return nil, err
	}
	return Lines(text), nil
}

// Lines splits text into non-blank lines, trimming trailing carriage returns.
func Lines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func decode(data []byte, enc Encoding) (string, error) {
	var dec *encoding.Decoder
	switch enc {
	case EncodingUTF8:
		dec = unicode.UTF8BOM.NewDecoder()
	case EncodingShiftJIS:
		dec = japanese.ShiftJIS.NewDecoder()
	case EncodingAuto, "":
		fallback := japanese.ShiftJIS.NewDecoder()
		if utf8.Valid(data) {
			fallback = unicode.UTF8.NewDecoder()
		}
		// BOMOverride still wins for UTF-8 and UTF-16 files with a BOM.
		out, _, err := transform.Bytes(unicode.BOMOverride(fallback), data)
		if err != nil {
			return "", fmt.Errorf("decode manifest: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown manifest encoding %q", enc)
	}
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", fmt.Errorf("decode manifest as %s: %w", enc, err)
	}
	return string(out), nil
}
