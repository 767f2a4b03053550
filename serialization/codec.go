// Package serialization turns wire bytes into plain Go values and back, and
// casts those values into the types handlers declare.
package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/glimte/relay/contracts"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Content types understood by the codec
const (
	ContentTypeJSON   = "application/json"
	ContentTypeYAML   = "application/x-yaml"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

type format int

const (
	formatUnknown format = iota
	formatJSON
	formatYAML
	formatText
	formatBinary
)

func formatOf(contentType string) format {
	if contentType == "" {
		return formatUnknown
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case mediaType == ContentTypeJSON, strings.HasSuffix(mediaType, "+json"):
		return formatJSON
	case mediaType == ContentTypeYAML, mediaType == "application/yaml", mediaType == "text/yaml":
		return formatYAML
	case strings.HasPrefix(mediaType, "text/"):
		return formatText
	default:
		return formatBinary
	}
}

// Sniffed reports whether Decode guesses the format of bodies with this
// content type instead of following it
func Sniffed(contentType string) bool {
	return formatOf(contentType) == formatUnknown
}

// Decode converts a raw body into a plain value. Structured content types are
// decoded fully and fail with a DecodeError. Without a content type the body
// is decoded as JSON when it parses as JSON and returned as []byte otherwise.
func Decode(raw []byte, contentType string) (any, error) {
	switch formatOf(contentType) {
	case formatJSON:
		v, err := decodeJSON(raw)
		if err != nil {
			return nil, &contracts.DecodeError{ContentType: contentType, Err: err}
		}
		return v, nil

	case formatYAML:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, &contracts.DecodeError{ContentType: contentType, Err: err}
		}
		return normalize(v), nil

	case formatText:
		return string(raw), nil

	case formatBinary:
		return raw, nil
	}

	if len(raw) == 0 {
		return nil, nil
	}
	// Bytes that happen to be valid JSON are indistinguishable from an
	// intentional JSON payload here.
	if gjson.ValidBytes(raw) {
		if v, err := decodeJSON(raw); err == nil {
			return v, nil
		}
	}
	return raw, nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return normalize(v), nil
}

// normalize rewrites decoded numbers to int64 or float64 and mapping keys to
// strings so the caster sees one shape regardless of the codec.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return i
			}
		}
		f, err := t.Float64()
		if err != nil {
			return s
		}
		return f
	case int:
		return int64(t)
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	}
	return v
}

// Encoded is a body already in wire form. Encode sends it unchanged.
type Encoded []byte

// Encode renders a value for the wire and returns the content type to send
// with it. An explicit content type overrides the inferred one.
func Encode(v any, contentType string) ([]byte, string, error) {
	if e, ok := v.(Encoded); ok {
		if contentType == "" {
			contentType = ContentTypeBinary
		}
		return []byte(e), contentType, nil
	}
	if contentType != "" {
		return encodeAs(v, contentType)
	}

	switch t := v.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return t, ContentTypeBinary, nil
	case string:
		return []byte(t), ContentTypeText, nil
	case json.RawMessage:
		return t, ContentTypeJSON, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode %T as json: %w", v, err)
	}
	return data, ContentTypeJSON, nil
}

func encodeAs(v any, contentType string) ([]byte, string, error) {
	switch formatOf(contentType) {
	case formatJSON:
		if raw, ok := v.(json.RawMessage); ok {
			return raw, contentType, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode %T as json: %w", v, err)
		}
		return data, contentType, nil

	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode %T as yaml: %w", v, err)
		}
		return data, contentType, nil

	case formatText:
		switch t := v.(type) {
		case string:
			return []byte(t), contentType, nil
		case []byte:
			return t, contentType, nil
		case nil:
			return nil, contentType, nil
		}
		return []byte(fmt.Sprint(v)), contentType, nil
	}

	switch t := v.(type) {
	case []byte:
		return t, contentType, nil
	case string:
		return []byte(t), contentType, nil
	case nil:
		return nil, contentType, nil
	}
	return nil, "", fmt.Errorf("cannot encode %T as %s", v, contentType)
}
