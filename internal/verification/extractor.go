// Package verification pulls one-time verification codes out of mailbox records.
package verification

import (
	"bytes"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/authflow/internal/mailbox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source tells which part of a record produced a code.
type Source string

const (
	SourceNone     Source = ""
	SourceMetadata Source = "metadata"
	SourceHTML     Source = "html"
	SourceText     Source = "text"
)

var (
	softLineBreak = regexp.MustCompile(`=\r?\n`)

	// Labels match in any case; the code itself is uppercase letters and digits.
	htmlCode = regexp.MustCompile(`(?i:class\s*=\s*["']?verification-code["']?)[^>]*>([A-Z0-9]{6})<`)
	textCode = regexp.MustCompile(`(?i:验证码[为是：:\s]*|verification code[:\s]*)[\r\n\s]*([A-Z0-9]{6})[\r\n\s]`)
)

// Extract returns the verification code carried by rec, if any.
func Extract(rec mailbox.Record) (string, bool) {
	code, src := ExtractWithSource(rec)
	return code, src != SourceNone
}

// ExtractWithSource is Extract that also reports where the code was found.
// Precedence: pre-extracted metadata, then the verification-code HTML element,
// then a labelled plain-text code.
func ExtractWithSource(rec mailbox.Record) (string, Source) {
	if code := metadataCode(rec.Metadata); code != "" {
		return code, SourceMetadata
	}
	if rec.Raw == "" {
		return "", SourceNone
	}

	body := Decode(rec.Raw)
	if m := htmlCode.FindStringSubmatch(body); m != nil {
		return m[1], SourceHTML
	}
	if m := textCode.FindStringSubmatch(body); m != nil {
		return m[1], SourceText
	}
	return "", SourceNone
}

// Decode undoes the transfer encoding seen in raw bodies: soft line breaks are
// removed, =XX escapes become the byte they encode, and backslash-escaped double
// quotes are unescaped. Malformed escapes are left as they are.
func Decode(raw string) string {
	s := softLineBreak.ReplaceAllString(raw, "")

	var buf bytes.Buffer
	buf.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			buf.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		buf.WriteByte(s[i])
	}
	return strings.ReplaceAll(buf.String(), `\"`, `"`)
}

type metadata struct {
	AIExtract *struct {
		Result interface{} `json:"result"`
	} `json:"ai_extract"`
}

// metadataCode reads ai_extract.result. The metadata may be an object or a
// string holding a serialized object; anything unparseable yields "".
func metadataCode(raw jsoniter.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ""
		}
		raw = []byte(strings.TrimSpace(inner))
		if len(raw) == 0 {
			return ""
		}
	}

	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil || md.AIExtract == nil {
		return ""
	}
	code, ok := md.AIExtract.Result.(string)
	if !ok {
		return ""
	}
	return code
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
