package discord

import (
	"context"
	"fmt"

	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *DiscordBot) handleInteractionCreate(s *discordgo.Session, e *discordgo.InteractionCreate) {
	ctx, log := utils.LogContextWith(context.Background(), b.log, zap.String("initiating_interaction", fmt.Sprintf("/%s/%s/%s", e.GuildID, e.ChannelID, e.ID)))

	defer utils.PanicRecovery(log)

	if e.GuildID != "" && !b.isGuildInScope(e.GuildID) {
		return // not a supported guild
	}

	switch e.Type {
	case discordgo.InteractionApplicationCommand:
		data := e.ApplicationCommandData()
		err := b.handleCommandInteraction(ctx, e, data)
		if err != nil {
			log.Error("error handling command interaction", zap.Error(err))
		}
	case discordgo.InteractionMessageComponent:
		data := e.MessageComponentData()
		err := b.handleComponentInteraction(ctx, e, data)
		if err != nil {
			log.Error("error handling component interaction", zap.Error(err))
		}
	}
}
