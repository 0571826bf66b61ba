// Package entity holds the small subset of the remote object model that the
// REST client and interaction server need, and the Factory that decodes raw
// JSON payloads into it.
package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Snowflake is a 64-bit object ID. The remote service sends it as a decimal
// string; bare numbers are accepted too.
type Snowflake uint64

// ParseSnowflake parses a decimal ID.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// CreatedAt returns the creation time encoded in the ID.
func (s Snowflake) CreatedAt() time.Time {
	const epoch = 1420070400000
	return time.UnixMilli(int64(s>>22) + epoch).UTC()
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	str := string(b)
	if str == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(str); err == nil {
		str = unq
	}
	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// User is an account, human or bot.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	GlobalName    string    `json:"global_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// Member is a user's membership in a guild.
type Member struct {
	User  *User       `json:"user,omitempty"`
	Nick  string      `json:"nick,omitempty"`
	Roles []Snowflake `json:"roles,omitempty"`
}

// Channel is a text, voice or thread channel.
type Channel struct {
	ID      Snowflake  `json:"id"`
	Type    int        `json:"type"`
	GuildID *Snowflake `json:"guild_id,omitempty"`
	Name    string     `json:"name,omitempty"`
	Topic   string     `json:"topic,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID          Snowflake `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	URL         string    `json:"url"`
}

// Message is a message posted in a channel.
type Message struct {
	ID              Snowflake    `json:"id"`
	ChannelID       Snowflake    `json:"channel_id"`
	GuildID         *Snowflake   `json:"guild_id,omitempty"`
	Author          User         `json:"author"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp"`
	EditedTimestamp *time.Time   `json:"edited_timestamp,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// Application is the bot's application record.
type Application struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	VerifyKey   string    `json:"verify_key"`
	BotPublic   bool      `json:"bot_public"`
	Owner       *User     `json:"owner,omitempty"`
}

// InteractionType discriminates inbound interactions.
type InteractionType int

const (
	InteractionPing               InteractionType = 1
	InteractionApplicationCommand InteractionType = 2
	InteractionMessageComponent   InteractionType = 3
	InteractionAutocomplete       InteractionType = 4
	InteractionModalSubmit        InteractionType = 5
)

func (t InteractionType) String() string {
	switch t {
	case InteractionPing:
		return "ping"
	case InteractionApplicationCommand:
		return "application_command"
	case InteractionMessageComponent:
		return "message_component"
	case InteractionAutocomplete:
		return "autocomplete"
	case InteractionModalSubmit:
		return "modal_submit"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Interaction is a verified inbound event. Data is kept raw and decoded on
// demand with CommandData or ComponentData.
type Interaction struct {
	ID            Snowflake       `json:"id"`
	ApplicationID Snowflake       `json:"application_id"`
	Type          InteractionType `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	GuildID       *Snowflake      `json:"guild_id,omitempty"`
	ChannelID     *Snowflake      `json:"channel_id,omitempty"`
	Member        *Member         `json:"member,omitempty"`
	User          *User           `json:"user,omitempty"`
	Token         string          `json:"token"`
	Version       int             `json:"version"`
	Message       *Message        `json:"message,omitempty"`
	Locale        string          `json:"locale,omitempty"`
}

// Invoker returns the user who triggered the interaction, whether it came
// from a guild (via Member) or a direct message.
func (i *Interaction) Invoker() *User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// CommandOption is one argument of a command invocation.
type CommandOption struct {
	Name    string          `json:"name"`
	Type    int             `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Options []CommandOption `json:"options,omitempty"`
	Focused bool            `json:"focused,omitempty"`
}

// CommandData is the payload of command and autocomplete interactions.
type CommandData struct {
	ID      Snowflake       `json:"id"`
	Name    string          `json:"name"`
	Type    int             `json:"type"`
	Options []CommandOption `json:"options,omitempty"`
}

// Option returns the top-level option called name.
func (d *CommandData) Option(name string) (CommandOption, bool) {
	for _, o := range d.Options {
		if o.Name == name {
			return o, true
		}
	}
	return CommandOption{}, false
}

// ComponentData is the payload of message component and modal interactions.
type ComponentData struct {
	CustomID      string   `json:"custom_id"`
	ComponentType int      `json:"component_type,omitempty"`
	Values        []string `json:"values,omitempty"`
}

// CommandData decodes Data for command and autocomplete interactions.
func (i *Interaction) CommandData() (*CommandData, error) {
	if i.Type != InteractionApplicationCommand && i.Type != InteractionAutocomplete {
		return nil, fmt.Errorf("interaction type %s carries no command data", i.Type)
	}
	var d CommandData
	if err := json.Unmarshal(i.Data, &d); err != nil {
		return nil, &DecodeError{Entity: "command data", Err: err}
	}
	return &d, nil
}

// ComponentData decodes Data for component and modal interactions.
func (i *Interaction) ComponentData() (*ComponentData, error) {
	if i.Type != InteractionMessageComponent && i.Type != InteractionModalSubmit {
		return nil, fmt.Errorf("interaction type %s carries no component data", i.Type)
	}
	var d ComponentData
	if err := json.Unmarshal(i.Data, &d); err != nil {
		return nil, &DecodeError{Entity: "component data", Err: err}
	}
	return &d, nil
}
