package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cordrest/internal/bot"
	"cordrest/internal/entity"
	"cordrest/internal/interaction"
	"cordrest/internal/rest"
)

var colours = []string{"red", "orange", "yellow", "green", "blue", "indigo", "violet"}

// registerListeners installs the example command handlers:
//
//	/ping    answers directly
//	/report  defers, works in the background, then edits the response
//	/colour  autocompletes its "name" option
func registerListeners(b *bot.Bot) error {
	if err := b.SetListener(entity.InteractionApplicationCommand,
		interaction.StreamingListener(handleCommand(b.Rest())), false); err != nil {
		return err
	}
	return b.SetListener(entity.InteractionAutocomplete,
		interaction.DirectListener(handleAutocomplete), false)
}

func handleCommand(client *rest.Client) interaction.StreamingListener {
	return func(ctx context.Context, i *entity.Interaction, yield func(*interaction.Callback) bool) error {
		data, err := i.CommandData()
		if err != nil {
			return err
		}

		switch data.Name {
		case "ping":
			yield(interaction.Message(rest.MessageCreate{Content: "Pong!"}))
			return nil
		case "report":
			if !yield(interaction.Deferred(true)) {
				return nil
			}
			return sendReport(ctx, client, i)
		default:
			yield(interaction.Message(rest.MessageCreate{
				Content: fmt.Sprintf("Unknown command %q", data.Name),
				Flags:   interaction.FlagEphemeral,
			}))
			return nil
		}
	}
}

// sendReport runs after the deferred response was sent.
func sendReport(ctx context.Context, client *rest.Client, i *entity.Interaction) error {
	start := time.Now()
	me, err := client.FetchMyUser(ctx)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("Running as %s, report took %s", me.Username, time.Since(start).Round(time.Millisecond))
	if _, err := client.EditInteractionResponse(ctx, i.ApplicationID, i.Token, rest.MessageEdit{Content: &content}); err != nil {
		return fmt.Errorf("edit deferred response: %w", err)
	}
	slog.Debug("Report sent", "interaction_id", i.ID.String())
	return nil
}

func handleAutocomplete(_ context.Context, i *entity.Interaction) (*interaction.Callback, error) {
	data, err := i.CommandData()
	if err != nil {
		return nil, err
	}

	var prefix string
	if opt, ok := data.Option("name"); ok {
		prefix = strings.ToLower(strings.Trim(string(opt.Value), `"`))
	}

	var choices []interaction.Choice
	for _, c := range colours {
		if strings.HasPrefix(c, prefix) {
			choices = append(choices, interaction.Choice{Name: c, Value: c})
		}
	}
	return interaction.Autocomplete(choices...), nil
}
