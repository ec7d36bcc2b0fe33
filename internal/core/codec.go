package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
)

// Part is one field of a queued multipart write: either UTF-8 text or a
// named binary blob. Blobs are base64-encoded because the queue's
// persistence layer stores payloads as text.
type Part struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Value       string `json:"value,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"`
}

const (
	PartText = "text"
	PartBlob = "blob"
)

func TextPart(name, value string) Part {
	return Part{Name: name, Kind: PartText, Value: value}
}

func BlobPart(name, filename, contentType string, data []byte) Part {
	return Part{
		Name:        name,
		Kind:        PartBlob,
		Filename:    filename,
		ContentType: contentType,
		Data:        base64.StdEncoding.EncodeToString(data),
	}
}

// BlobBytes reverses the text-safe encoding. Round-trip fidelity is a hard
// invariant: decode(encode(b)) must equal b byte-for-byte.
func (p Part) BlobBytes() ([]byte, error) {
	if p.Kind != PartBlob {
		return nil, fmt.Errorf("part %q is not a blob", p.Name)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob %q: %w", p.Name, err)
	}
	return data, nil
}

// EncodePayload serializes parts in order for storage.
func EncodePayload(parts []Part) (string, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses a stored payload back into its ordered parts. It
// validates every blob eagerly so corrupt records surface as decode errors
// before a delivery attempt starts.
func DecodePayload(payloadJSON string) ([]Part, error) {
	var parts []Part
	if err := json.Unmarshal([]byte(payloadJSON), &parts); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	for _, p := range parts {
		switch p.Kind {
		case PartText:
		case PartBlob:
			if _, err := p.BlobBytes(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown part kind %q for %q", p.Kind, p.Name)
		}
	}
	return parts, nil
}

// PartsFromForm captures a parsed multipart form as ordered parts, text
// fields first (alphabetical for a stable order), then files.
func PartsFromForm(form *multipart.Form) ([]Part, error) {
	var parts []Part

	names := make([]string, 0, len(form.Value))
	for name := range form.Value {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range form.Value[name] {
			parts = append(parts, TextPart(name, value))
		}
	}

	fileNames := make([]string, 0, len(form.File))
	for name := range form.File {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		for _, header := range form.File[name] {
			file, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open upload %q: %w", name, err)
			}
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(file); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to read upload %q: %w", name, err)
			}
			file.Close()

			contentType := header.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			parts = append(parts, BlobPart(name, header.Filename, contentType, buf.Bytes()))
		}
	}

	return parts, nil
}

// BuildMultipart reassembles parts into a multipart/form-data body suitable
// for re-submission.
func BuildMultipart(parts []Part) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, p := range parts {
		switch p.Kind {
		case PartText:
			if err := writer.WriteField(p.Name, p.Value); err != nil {
				return nil, "", fmt.Errorf("failed to write field %q: %w", p.Name, err)
			}
		case PartBlob:
			data, err := p.BlobBytes()
			if err != nil {
				return nil, "", err
			}
			header := make(textproto.MIMEHeader)
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
				escapeQuotes(p.Name), escapeQuotes(p.Filename)))
			header.Set("Content-Type", p.ContentType)
			part, err := writer.CreatePart(header)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create part %q: %w", p.Name, err)
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", fmt.Errorf("failed to write part %q: %w", p.Name, err)
			}
		default:
			return nil, "", fmt.Errorf("unknown part kind %q for %q", p.Kind, p.Name)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return body.Bytes(), writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
