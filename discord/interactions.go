package discord

import (
	"context"
	"errors"

	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *DiscordBot) handleComponentInteraction(ctx context.Context, e *discordgo.InteractionCreate, data discordgo.MessageComponentInteractionData) error {
	log := utils.GetLogFromContext(ctx, b.log)

	if data.ComponentType != discordgo.ButtonComponent {
		return nil
	}

	componentID, err := ParseComponentID(data.CustomID)
	if err != nil {
		return nil
	}

	var interactionErr error

	switch {
	case componentID.Source == ComponentSourcePanel && componentID.Action == ComponentActionToggle:
		interactionErr = b.handlePanelToggle(ctx, e)
	case componentID.Source == ComponentSourcePanel && componentID.Action == ComponentActionClear:
		interactionErr = b.handlePanelClear(ctx, e)
	}

	if interactionErr != nil {
		var discordErr DiscordExecutionError
		errorMessage := "Unknown error occurred."
		if errors.As(interactionErr, &discordErr) && discordErr.Message != "" {
			errorMessage = discordErr.Message
		}

		if !discordErr.UserError {
			log.Error("failed to respond to interaction", zap.Error(interactionErr))
		}

		b.respondError(ctx, e, "interaction_error", MessageContext{
			InteractionError: &MessageContextInteractionError{
				Message: errorMessage,
			},
		})
	}

	return nil
}

// respondError sends an ephemeral error rendered from messageName.
func (b *DiscordBot) respondError(ctx context.Context, e *discordgo.InteractionCreate, messageName string, data MessageContext) {
	log := utils.GetLogFromContext(ctx, b.log)

	output, err := b.executeMessageTemplate(ctx, messageName, data)
	if err != nil {
		log.Error("failed to render error message", zap.Error(err))
		return
	}

	err = b.discord.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:           discordgo.MessageFlagsEphemeral,
			Content:         output.Content,
			Components:      output.Components,
			Embeds:          output.Embeds,
			AllowedMentions: DefaultAllowedMentions,
		},
	})
	if err != nil {
		log.Error("failed to send response", zap.Error(err))
	}
}
