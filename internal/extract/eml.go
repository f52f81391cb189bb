package extract

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// EMLExtractor extracts the subject and body text of an RFC 822 message.
// Multipart messages prefer a text/plain part, falling back to stripped
// text/html.
type EMLExtractor struct{}

func (e *EMLExtractor) MIMETypes() []string {
	return []string{"message/rfc822"}
}

func (e *EMLExtractor) Extract(data []byte) ([]Page, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	body, err := messageBody(msg)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if subject := msg.Header.Get("Subject"); subject != "" {
		if decoded, derr := new(mime.WordDecoder).DecodeHeader(subject); derr == nil {
			subject = decoded
		}
		b.WriteString(subject)
		b.WriteString("\n\n")
	}
	b.WriteString(body)

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, nil
	}
	return []Page{{Number: 1, Text: text}}, nil
}

func messageBody(msg *mail.Message) (string, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartBody(msg.Body, params["boundary"])
	}

	raw, err := io.ReadAll(decodeTransfer(msg.Body, msg.Header.Get("Content-Transfer-Encoding")))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrCorruptInput, err)
	}
	return partText(mediaType, raw), nil
}

func multipartBody(r io.Reader, boundary string) (string, error) {
	if boundary == "" {
		return "", fmt.Errorf("%w: multipart message without boundary", ErrCorruptInput)
	}

	var plain, html string
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: reading multipart: %v", ErrCorruptInput, err)
		}

		mediaType, params, merr := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if merr != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested, nerr := multipartBody(part, params["boundary"])
			if nerr == nil && plain == "" {
				plain = nested
			}
			continue
		}

		raw, rerr := io.ReadAll(decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding")))
		if rerr != nil {
			continue
		}
		switch mediaType {
		case "text/plain":
			if plain == "" {
				plain = string(raw)
			}
		case "text/html":
			if html == "" {
				html = string(raw)
			}
		}
	}

	if plain != "" {
		return plain, nil
	}
	if html != "" {
		return stripHTML([]byte(html)), nil
	}
	return "", nil
}

func partText(mediaType string, raw []byte) string {
	if mediaType == "text/html" {
		return stripHTML(raw)
	}
	return string(raw)
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}
