package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type MessageOutput struct {
	Content    string                       `json:"content,omitempty"`
	Components []discordgo.MessageComponent `json:"components,omitempty"`
	Embeds     []*discordgo.MessageEmbed    `json:"embeds,omitempty"`
}

type messageOutputRaw struct {
	Content    string                    `json:"content,omitempty"`
	Components []json.RawMessage         `json:"components,omitempty"`
	Embeds     []*discordgo.MessageEmbed `json:"embeds,omitempty"`
}

type MessageContextTurtlePanel struct {
	Listening        bool    `json:"listening"`
	Label            string  `json:"label"`
	Error            string  `json:"error"`
	ModelUnavailable bool    `json:"model_unavailable"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Heading          float64 `json:"heading"`
	ImageName        string  `json:"image_name"`

	ToggleComponentID string `json:"toggle_component_id"`
	ClearComponentID  string `json:"clear_component_id"`
}
type MessageContextInteractionError struct {
	Message string `json:"message"`
}
type MessageContextCommandError struct {
	Message string `json:"message"`
}

type MessageContext struct {
	TurtlePanel      *MessageContextTurtlePanel      `json:"turtle_panel,omitempty"`
	InteractionError *MessageContextInteractionError `json:"interaction_error,omitempty"`
	CommandError     *MessageContextCommandError     `json:"command_error,omitempty"`

	Timestamp          string                                   `json:"timestamp"`
	RegisteredCommands map[string]*discordgo.ApplicationCommand `json:"registered_commands"`
}

func (b *DiscordBot) executeMessageTemplate(ctx context.Context, messageName string, data MessageContext) (*MessageOutput, error) {
	log := utils.GetLogFromContext(ctx, b.log)

	data.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b.commandsMu.RLock()
	data.RegisteredCommands = b.commands
	defer b.commandsMu.RUnlock()

	jsonOut, err := b.messages.ExecuteMessage(messageName, data)
	if err != nil {
		return nil, err
	}

	var outputRaw messageOutputRaw
	err = json.Unmarshal([]byte(jsonOut), &outputRaw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling output: %w", err)
	}

	output := &MessageOutput{
		Content: outputRaw.Content,
		Embeds:  outputRaw.Embeds,
	}

	if outputRaw.Components != nil {
		for _, c := range outputRaw.Components {
			bytes, err := c.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("marshaling component: %w", err)
			}
			messageComponent, err := discordgo.MessageComponentFromJSON(bytes)
			if err != nil {
				return nil, fmt.Errorf("unmarshaling component: %w", err)
			}
			output.Components = append(output.Components, messageComponent)
		}
	}

	log.With(zap.Any("output", output)).Debug("got message template output")

	return output, nil
}
