package rest

import (
	"context"
	"encoding/json"
	"net/url"

	"cordrest/internal/entity"
	"cordrest/internal/routes"
)

// AllowedMentions restricts which mentions in a message notify anyone.
type AllowedMentions struct {
	Parse       []string           `json:"parse"`
	Users       []entity.Snowflake `json:"users,omitempty"`
	Roles       []entity.Snowflake `json:"roles,omitempty"`
	RepliedUser bool               `json:"replied_user,omitempty"`
}

// MessageReference makes a message a reply.
type MessageReference struct {
	MessageID       entity.Snowflake `json:"message_id"`
	FailIfNotExists bool             `json:"fail_if_not_exists"`
}

// MessageCreate is the body of a new message. Embeds and components are
// passed through as raw JSON.
type MessageCreate struct {
	Content         string            `json:"content,omitempty"`
	TTS             bool              `json:"tts,omitempty"`
	Embeds          []json.RawMessage `json:"embeds,omitempty"`
	Components      []json.RawMessage `json:"components,omitempty"`
	Flags           int               `json:"flags,omitempty"`
	AllowedMentions *AllowedMentions  `json:"allowed_mentions,omitempty"`
	Reference       *MessageReference `json:"message_reference,omitempty"`

	Attachments []Attachment `json:"-"`
}

// MessageEdit is a partial update; nil fields are left unchanged.
type MessageEdit struct {
	Content         *string            `json:"content,omitempty"`
	Embeds          *[]json.RawMessage `json:"embeds,omitempty"`
	Components      *[]json.RawMessage `json:"components,omitempty"`
	Flags           *int               `json:"flags,omitempty"`
	AllowedMentions *AllowedMentions   `json:"allowed_mentions,omitempty"`

	Attachments []Attachment `json:"-"`
}

func (c *Client) fetch(ctx context.Context, route *routes.Route, params routes.Params) ([]byte, error) {
	compiled, err := route.Compile(params)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, &Request{Route: compiled})
}

// FetchChannel returns a channel by ID.
func (c *Client) FetchChannel(ctx context.Context, channelID entity.Snowflake) (*entity.Channel, error) {
	body, err := c.fetch(ctx, routes.GetChannel, routes.Params{"channel": channelID.String()})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeChannel(body)
}

// FetchMessage returns a message by ID.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID entity.Snowflake) (*entity.Message, error) {
	body, err := c.fetch(ctx, routes.GetChannelMessage, routes.Params{
		"channel": channelID.String(),
		"message": messageID.String(),
	})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeMessage(body)
}

// FetchMyUser returns the user the client is authenticated as.
func (c *Client) FetchMyUser(ctx context.Context) (*entity.User, error) {
	body, err := c.fetch(ctx, routes.GetMyUser, nil)
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeUser(body)
}

// FetchApplication returns the application the client is authenticated as.
func (c *Client) FetchApplication(ctx context.Context) (*entity.Application, error) {
	body, err := c.fetch(ctx, routes.GetMyApplication, nil)
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeApplication(body)
}

// CreateMessage posts a message, with attachments if any.
func (c *Client) CreateMessage(ctx context.Context, channelID entity.Snowflake, msg MessageCreate) (*entity.Message, error) {
	route, err := routes.PostChannelMessages.Compile(routes.Params{"channel": channelID.String()})
	if err != nil {
		return nil, err
	}
	body, err := c.Execute(ctx, &Request{Route: route, JSON: msg, Attachments: msg.Attachments})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeMessage(body)
}

// EditMessage updates a message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID entity.Snowflake, edit MessageEdit) (*entity.Message, error) {
	route, err := routes.PatchChannelMessage.Compile(routes.Params{
		"channel": channelID.String(),
		"message": messageID.String(),
	})
	if err != nil {
		return nil, err
	}
	body, err := c.Execute(ctx, &Request{Route: route, JSON: edit, Attachments: edit.Attachments})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeMessage(body)
}

// DeleteMessage deletes one message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID entity.Snowflake, reason string) error {
	route, err := routes.DeleteChannelMessage.Compile(routes.Params{
		"channel": channelID.String(),
		"message": messageID.String(),
	})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, &Request{Route: route, Reason: reason})
	return err
}

// CreateInteractionResponse answers an interaction through the callback
// endpoint, for interactions not answered over the interaction server's HTTP
// response. data may be nil for callback types without a body.
func (c *Client) CreateInteractionResponse(ctx context.Context, interactionID entity.Snowflake, token string,
	callbackType int, data any, attachments ...Attachment) error {
	route, err := routes.PostInteractionResponse.Compile(routes.Params{
		"interaction": interactionID.String(),
		"token":       token,
	})
	if err != nil {
		return err
	}

	payload := struct {
		Type int `json:"type"`
		Data any `json:"data,omitempty"`
	}{Type: callbackType, Data: data}

	_, err = c.Execute(ctx, &Request{Route: route, JSON: payload, Attachments: attachments, NoAuth: true})
	return err
}

// EditInteractionResponse edits the original response to an interaction.
func (c *Client) EditInteractionResponse(ctx context.Context, applicationID entity.Snowflake, token string,
	edit MessageEdit) (*entity.Message, error) {
	route, err := routes.PatchInteractionResponse.Compile(routes.Params{
		"webhook": applicationID.String(),
		"token":   token,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.Execute(ctx, &Request{Route: route, JSON: edit, Attachments: edit.Attachments, NoAuth: true})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeMessage(body)
}

// DeleteInteractionResponse deletes the original response to an interaction.
func (c *Client) DeleteInteractionResponse(ctx context.Context, applicationID entity.Snowflake, token string) error {
	route, err := routes.DeleteInteractionResponse.Compile(routes.Params{
		"webhook": applicationID.String(),
		"token":   token,
	})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, &Request{Route: route, NoAuth: true})
	return err
}

// CreateFollowup sends a follow-up message for an interaction.
func (c *Client) CreateFollowup(ctx context.Context, applicationID entity.Snowflake, token string,
	msg MessageCreate) (*entity.Message, error) {
	route, err := routes.PostWebhookMessage.Compile(routes.Params{
		"webhook": applicationID.String(),
		"token":   token,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.Execute(ctx, &Request{
		Route:       route,
		Query:       url.Values{"wait": []string{"true"}},
		JSON:        msg,
		Attachments: msg.Attachments,
		NoAuth:      true,
	})
	if err != nil {
		return nil, err
	}
	return c.factory.DeserializeMessage(body)
}
