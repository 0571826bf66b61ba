package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// MaxAttachments is the most files one message or interaction response may
// carry.
const MaxAttachments = 10

// Attachment is a file uploaded with a request. Open is called once per
// attempt, so retried requests resend the full content.
type Attachment struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// BytesAttachment uploads an in-memory file.
func BytesAttachment(name string, data []byte) Attachment {
	return Attachment{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAttachment uploads a file from disk, named after its base name.
func FileAttachment(path string) Attachment {
	return Attachment{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// MultipartBody streams payload and attachments as multipart/form-data. The
// payload goes in a payload_json part and each file in a files[n] part. The
// returned reader must be fully consumed or closed.
func MultipartBody(payload any, attachments []Attachment) (io.ReadCloser, string, error) {
	if len(attachments) > MaxAttachments {
		return nil, "", fmt.Errorf("too many attachments: %d > %d", len(attachments), MaxAttachments)
	}

	var payloadJSON []byte
	if payload != nil {
		var err error
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return nil, "", fmt.Errorf("encode payload_json: %w", err)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeParts(mw, payloadJSON, attachments))
	}()

	return pr, mw.FormDataContentType(), nil
}

func writeParts(mw *multipart.Writer, payloadJSON []byte, attachments []Attachment) error {
	if payloadJSON != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="payload_json"`)
		h.Set("Content-Type", "application/json")
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := part.Write(payloadJSON); err != nil {
			return err
		}
	}

	for i, a := range attachments {
		if err := writeAttachment(mw, i, a); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAttachment(mw *multipart.Writer, i int, a Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename="%s"`,
		i, quoteEscaper.Replace(a.Name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	r, err := a.Open()
	if err != nil {
		return fmt.Errorf("open attachment %q: %w", a.Name, err)
	}
	defer r.Close()

	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("upload attachment %q: %w", a.Name, err)
	}
	return nil
}
