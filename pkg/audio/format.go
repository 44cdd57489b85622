package audio

import "strings"

// Format names a container (or codec-as-container) a byte stream is decoded as.
type Format string

const (
	FormatWebM Format = "webm"
	FormatOpus Format = "opus" // Ogg-encapsulated Opus
	FormatOgg  Format = "ogg"
	FormatWAV  Format = "wav"
	FormatMP4  Format = "mp4"
	FormatMP3  Format = "mp3"
)

// DefaultFormat is what browsers' MediaRecorder produces when no usable MIME
// type is declared.
const DefaultFormat = FormatWebM

var subtypeFormats = map[string]Format{
	"webm":       FormatWebM,
	"x-matroska": FormatWebM,
	"opus":       FormatOpus,
	"ogg":        FormatOgg,
	"wav":        FormatWAV,
	"x-wav":      FormatWAV,
	"wave":       FormatWAV,
	"vnd.wave":   FormatWAV,
	"mp4":        FormatMP4,
	"x-m4a":      FormatMP4,
	"m4a":        FormatMP4,
	"aac":        FormatMP4,
	"mpeg":       FormatMP3,
	"mp3":        FormatMP3,
}

// alternates pairs names that recorders and browsers commonly conflate.
var alternates = map[Format]Format{
	FormatWebM: FormatOpus,
	FormatOpus: FormatWebM,
	FormatOgg:  FormatWebM,
}

// BaseMIME strips parameters and whitespace: "audio/webm; codecs=opus" -> "audio/webm".
func BaseMIME(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// PrimaryFormat derives the first decode candidate from a transport MIME type.
// Absent or unrecognised subtypes fall back to DefaultFormat, except that a bare
// type mentioning opus is tried as Opus first.
func PrimaryFormat(mimeType string) Format {
	base := BaseMIME(mimeType)
	_, subtype, ok := strings.Cut(base, "/")
	if !ok || subtype == "" {
		if strings.Contains(strings.ToLower(mimeType), "opus") {
			return FormatOpus
		}
		return DefaultFormat
	}

	if f, ok := subtypeFormats[subtype]; ok {
		return f
	}
	return DefaultFormat
}

// AlternateFormat returns the single fallback for primary, if any.
func AlternateFormat(primary Format) (Format, bool) {
	f, ok := alternates[primary]
	return f, ok
}

// Candidates is the ordered, finite list of formats to try for mimeType:
// the primary guess followed by at most one alternate.
func Candidates(mimeType string) []Format {
	primary := PrimaryFormat(mimeType)
	if alt, ok := AlternateFormat(primary); ok {
		return []Format{primary, alt}
	}
	return []Format{primary}
}
