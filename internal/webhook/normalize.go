// ABOUTME: Reduces the many reply shapes of AI workflow webhooks to a single Reply
// ABOUTME: Fixed field precedence for text, explicit media URLs before inline base64 images

package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/2389/relay-gateway/internal/store"
)

// textFields are checked in order; the first non-empty string wins.
// "message" may also be an object, which is searched one level deep.
var textFields = []string{"response", "output", "message", "text"}

// mediaURLFields map explicit media URL fields to the kind they carry, in preference order
var mediaURLFields = []struct {
	field string
	kind  store.MessageKind
}{
	{"imageUrl", store.MessageKindImage},
	{"videoUrl", store.MessageKindVideo},
	{"audioUrl", store.MessageKindAudio},
}

// Normalize parses a webhook response body into a Reply.
// JSON bodies are searched for text and media fields; a top-level array is
// reduced to its first element. Bodies that are not JSON are used as plain text.
// Returns ErrEmptyReply when neither text nor media was found.
func Normalize(contentType string, body []byte) (*Reply, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyReply
	}

	var doc any
	if isPlainText(contentType) || json.Unmarshal(body, &doc) != nil {
		return &Reply{Text: string(body)}, nil
	}

	if arr, ok := doc.([]any); ok {
		if len(arr) == 0 {
			return nil, ErrEmptyReply
		}
		doc = arr[0]
	}

	reply := &Reply{}
	switch v := doc.(type) {
	case string:
		reply.Text = strings.TrimSpace(v)
	case map[string]any:
		reply.Text = extractText(v, true)
		reply.MediaURL, reply.MediaKind = extractMedia(v)
	}

	if reply.Text == "" && reply.MediaURL == "" {
		return nil, ErrEmptyReply
	}
	return reply, nil
}

func isPlainText(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/plain"
}

// extractText applies the field precedence to obj. Nested "message" objects are
// only followed when nested is true.
func extractText(obj map[string]any, nested bool) string {
	for _, field := range textFields {
		switch v := obj[field].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			if field == "message" && nested {
				if s := extractText(v, false); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// extractMedia returns the reply's media URL and kind.
// Explicit URL fields win over an inline "image" value.
func extractMedia(obj map[string]any) (string, store.MessageKind) {
	for _, f := range mediaURLFields {
		if s, ok := obj[f.field].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), f.kind
		}
	}

	raw, ok := obj["image"].(string)
	if !ok {
		return "", ""
	}
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", ""
	case strings.HasPrefix(raw, "data:"):
		return raw, kindForMIME(strings.TrimPrefix(strings.SplitN(raw, ";", 2)[0], "data:"))
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw, store.MessageKindImage
	}

	data, err := decodeBase64(raw)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	mt := mimetype.Detect(data)
	mimeType := mt.String()
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), kindForMIME(mimeType)
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, s)
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// kindForMIME maps a MIME type to a message kind; unknown types count as images
// since they arrived in the image field.
func kindForMIME(mimeType string) store.MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return store.MessageKindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return store.MessageKindAudio
	default:
		return store.MessageKindImage
	}
}
