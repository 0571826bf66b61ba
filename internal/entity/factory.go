package entity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError reports a payload that could not be turned into an entity.
type DecodeError struct {
	Entity string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Entity, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Factory turns raw JSON into entities. The REST client and the interaction
// server depend on this interface only, so callers may substitute a richer
// object model.
type Factory interface {
	DeserializeUser(data []byte) (*User, error)
	DeserializeChannel(data []byte) (*Channel, error)
	DeserializeMessage(data []byte) (*Message, error)
	DeserializeMessages(data []byte) ([]*Message, error)
	DeserializeApplication(data []byte) (*Application, error)
	DeserializeInteraction(data []byte) (*Interaction, error)
}

// JSONFactory is the default Factory.
type JSONFactory struct{}

// NewFactory returns the default Factory.
func NewFactory() Factory {
	return JSONFactory{}
}

func decode[T any](name string, data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Entity: name, Err: err}
	}
	return &v, nil
}

func (JSONFactory) DeserializeUser(data []byte) (*User, error) {
	return decode[User]("user", data)
}

func (JSONFactory) DeserializeChannel(data []byte) (*Channel, error) {
	return decode[Channel]("channel", data)
}

func (JSONFactory) DeserializeMessage(data []byte) (*Message, error) {
	return decode[Message]("message", data)
}

func (JSONFactory) DeserializeMessages(data []byte) ([]*Message, error) {
	var v []*Message
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Entity: "messages", Err: err}
	}
	return v, nil
}

func (JSONFactory) DeserializeApplication(data []byte) (*Application, error) {
	return decode[Application]("application", data)
}

// DeserializeInteraction requires a type tag; everything else is optional
// because ping interactions carry almost nothing.
func (JSONFactory) DeserializeInteraction(data []byte) (*Interaction, error) {
	i, err := decode[Interaction]("interaction", data)
	if err != nil {
		return nil, err
	}
	if i.Type == 0 {
		return nil, &DecodeError{Entity: "interaction", Err: errors.New("missing type")}
	}
	return i, nil
}
