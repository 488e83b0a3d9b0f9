package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	CommandNameTurtle = "turtle"
)

func (b *DiscordBot) registerCommands(ctx context.Context) error {
	defaultPerms := int64(discordgo.PermissionViewChannel)
	createdCommands, err := b.discord.ApplicationCommandBulkOverwrite(b.self.ID, "", []*discordgo.ApplicationCommand{
		{
			Type:                     discordgo.ChatApplicationCommand,
			Name:                     CommandNameTurtle,
			DefaultMemberPermissions: &defaultPerms,
			Description:              "Show the voice-controlled turtle and its controls.",
			Contexts:                 &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	b.commandsMu.Lock()
	b.commands = make(map[string]*discordgo.ApplicationCommand)
	for _, command := range createdCommands {
		b.commands[command.Name] = command
	}
	b.commandsMu.Unlock()

	return nil
}

func (b *DiscordBot) handleCommandInteraction(ctx context.Context, e *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) error {
	log := utils.GetLogFromContext(ctx, b.log)

	var commandErr error
	switch data.Name {
	case CommandNameTurtle:
		commandErr = b.handleCommandTurtle(ctx, e)
	}

	if commandErr != nil {
		var discordErr DiscordExecutionError
		errorMessage := "Unknown error occurred."
		if errors.As(commandErr, &discordErr) && discordErr.Message != "" {
			errorMessage = discordErr.Message
		}

		if !discordErr.UserError {
			log.Error("failed to respond to command", zap.Error(commandErr))
		}

		b.respondError(ctx, e, "command_error", MessageContext{
			CommandError: &MessageContextCommandError{
				Message: errorMessage,
			},
		})
	}

	return nil
}

// handleCommandTurtle posts a fresh panel, which then becomes the one kept
// up to date.
func (b *DiscordBot) handleCommandTurtle(ctx context.Context, e *discordgo.InteractionCreate) error {
	output, files, err := b.renderPanel(ctx, b.turtle.Snapshot())
	if err != nil {
		return fmt.Errorf("rendering panel: %w", err)
	}

	err = b.discord.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         output.Content,
			Components:      output.Components,
			Embeds:          output.Embeds,
			Files:           files,
			AllowedMentions: DefaultAllowedMentions,
		},
	})
	if err != nil {
		return fmt.Errorf("responding: %w", err)
	}

	// the interaction is answered, an error reply would be rejected
	message, err := b.discord.InteractionResponse(e.Interaction, discordgo.WithContext(ctx))
	if err != nil {
		log := utils.GetLogFromContext(ctx, b.log)
		log.Warn("failed to fetch panel message, it won't be refreshed", zap.Error(err))
		return nil
	}
	b.setPanel(message.ChannelID, message.ID)

	return nil
}
