package interaction

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cordrest/internal/rest"
)

// CallbackType is the kind of answer given to an interaction.
type CallbackType int

const (
	CallbackPong                             CallbackType = 1
	CallbackChannelMessageWithSource         CallbackType = 4
	CallbackDeferredChannelMessageWithSource CallbackType = 5
	CallbackDeferredUpdateMessage            CallbackType = 6
	CallbackUpdateMessage                    CallbackType = 7
	CallbackAutocompleteResult               CallbackType = 8
	CallbackModal                            CallbackType = 9
)

// FlagEphemeral makes a message visible only to the invoking user.
const FlagEphemeral = 1 << 6

// Callback is a listener's answer to an interaction. It becomes the body of
// the HTTP response.
type Callback struct {
	Type  CallbackType
	Data  any
	Files []rest.Attachment

	// Headers are added to the HTTP response.
	Headers http.Header
}

// MarshalJSON encodes the callback body.
func (c *Callback) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type CallbackType `json:"type"`
		Data any          `json:"data,omitempty"`
	}{Type: c.Type, Data: c.Data})
}

// Message answers with a new message. Attachments on msg are uploaded with
// the response.
func Message(msg rest.MessageCreate) *Callback {
	return &Callback{Type: CallbackChannelMessageWithSource, Data: msg, Files: msg.Attachments}
}

// Deferred acknowledges the interaction and shows a loading state; the real
// message is sent later with EditInteractionResponse.
func Deferred(ephemeral bool) *Callback {
	c := &Callback{Type: CallbackDeferredChannelMessageWithSource}
	if ephemeral {
		c.Data = map[string]int{"flags": FlagEphemeral}
	}
	return c
}

// DeferredUpdate acknowledges a component interaction without changing the
// message yet.
func DeferredUpdate() *Callback {
	return &Callback{Type: CallbackDeferredUpdateMessage}
}

// UpdateMessage edits the message a component is attached to.
func UpdateMessage(msg rest.MessageCreate) *Callback {
	return &Callback{Type: CallbackUpdateMessage, Data: msg, Files: msg.Attachments}
}

// Choice is one autocomplete suggestion.
type Choice struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Autocomplete answers an autocomplete interaction.
func Autocomplete(choices ...Choice) *Callback {
	if choices == nil {
		choices = []Choice{}
	}
	return &Callback{
		Type: CallbackAutocompleteResult,
		Data: map[string][]Choice{"choices": choices},
	}
}

// Modal opens a popup form. Components are passed through as raw JSON.
func Modal(customID, title string, components ...json.RawMessage) *Callback {
	return &Callback{
		Type: CallbackModal,
		Data: map[string]any{
			"custom_id":  customID,
			"title":      title,
			"components": components,
		},
	}
}

// Response is the HTTP response produced for one inbound request.
type Response struct {
	StatusCode  int
	ContentType string
	Charset     string
	Headers     http.Header
	Payload     []byte
	Files       []rest.Attachment
}

func emptyResponse(status int) *Response {
	return &Response{StatusCode: status}
}

func textResponse(status int, text string) *Response {
	return &Response{
		StatusCode:  status,
		ContentType: "text/plain",
		Charset:     "utf-8",
		Payload:     []byte(text),
	}
}

// jsonResponse encodes cb as a 200 response.
func jsonResponse(cb *Callback) (*Response, error) {
	if len(cb.Files) > rest.MaxAttachments {
		return nil, fmt.Errorf("too many files: %d > %d", len(cb.Files), rest.MaxAttachments)
	}
	payload, err := json.Marshal(cb)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return &Response{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Charset:     "utf-8",
		Headers:     cb.Headers,
		Payload:     payload,
		Files:       cb.Files,
	}, nil
}

// Write sends the response. With files, the payload and files are streamed
// as multipart/form-data.
func (r *Response) Write(w http.ResponseWriter) error {
	for k, vs := range r.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if len(r.Files) > 0 {
		body, contentType, err := rest.MultipartBody(json.RawMessage(r.Payload), r.Files)
		if err != nil {
			return err
		}
		defer body.Close()
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(r.StatusCode)
		_, err = io.Copy(w, body)
		return err
	}

	if r.ContentType != "" {
		ct := r.ContentType
		if r.Charset != "" {
			ct += "; charset=" + r.Charset
		}
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Payload) == 0 {
		return nil
	}
	_, err := w.Write(r.Payload)
	return err
}
