package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/controller"
	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const panelImageName = "canvas.png"

func (b *DiscordBot) setPanel(channelID, messageID string) {
	b.panelMu.Lock()
	defer b.panelMu.Unlock()
	b.panel = &panelMessage{channelID: channelID, messageID: messageID}
}

func (b *DiscordBot) getPanel() *panelMessage {
	b.panelMu.Lock()
	defer b.panelMu.Unlock()
	return b.panel
}

// queuePanelUpdate keeps only the newest state; the controller must never
// wait on Discord.
func (b *DiscordBot) queuePanelUpdate(state controller.State) {
	for {
		select {
		case b.panelUpdates <- state:
			return
		default:
		}
		select {
		case <-b.panelUpdates:
		default:
		}
	}
}

func (b *DiscordBot) runPanelUpdates(ctx context.Context) {
	defer utils.PanicRecovery(b.log)

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-b.panelUpdates:
			if err := b.refreshPanel(ctx, state); err != nil {
				b.log.Warn("failed to refresh panel", zap.Error(err))
			}
		}
	}
}

func (b *DiscordBot) refreshPanel(ctx context.Context, state controller.State) error {
	panel := b.getPanel()
	if panel == nil {
		return nil
	}

	output, files, err := b.renderPanel(ctx, state)
	if err != nil {
		return err
	}

	attachments := []*discordgo.MessageAttachment{}
	_, err = b.discord.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:         panel.channelID,
		ID:              panel.messageID,
		Content:         &output.Content,
		Components:      &output.Components,
		Embeds:          &output.Embeds,
		Files:           files,
		Attachments:     &attachments,
		AllowedMentions: DefaultAllowedMentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("editing panel: %w", err)
	}
	return nil
}

func (b *DiscordBot) panelContext(state controller.State) *MessageContextTurtlePanel {
	panel := &MessageContextTurtlePanel{
		Listening: state.Listening,
		Label:     state.Label,
		X:         state.Position.X,
		Y:         state.Position.Y,
		Heading:   state.Heading,
		ImageName: panelImageName,

		ToggleComponentID: ComponentIDString(ComponentSourcePanel, ComponentActionToggle),
		ClearComponentID:  ComponentIDString(ComponentSourcePanel, ComponentActionClear),
	}
	if b.modelErr != nil {
		panel.Error = "The speech model failed to load, recording is unavailable."
		panel.ModelUnavailable = true
	}
	return panel
}

// renderPanel renders the panel message for state along with a snapshot of
// the canvas to attach.
func (b *DiscordBot) renderPanel(ctx context.Context, state controller.State) (*MessageOutput, []*discordgo.File, error) {
	output, err := b.executeMessageTemplate(ctx, "turtle_panel", MessageContext{
		TurtlePanel: b.panelContext(state),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("executing panel template: %w", err)
	}

	var image bytes.Buffer
	if err := b.canvas.EncodePNG(&image); err != nil {
		return nil, nil, fmt.Errorf("encoding canvas: %w", err)
	}

	return output, []*discordgo.File{
		{
			Name:        panelImageName,
			ContentType: "image/png",
			Reader:      &image,
		},
	}, nil
}

func (b *DiscordBot) handlePanelToggle(ctx context.Context, e *discordgo.InteractionCreate) error {
	log := utils.GetLogFromContext(ctx, b.log)

	listening, err := b.turtle.ToggleListening(ctx)
	if err != nil {
		switch {
		case errors.Is(err, asr.ErrModelLoad), errors.Is(err, asr.ErrModelNotLoaded):
			return DiscordExecutionError{Message: "The speech model isn't available, so recording can't start.", Err: err, UserError: true}
		case errors.Is(err, controller.ErrAlreadyListening), errors.Is(err, controller.ErrAlreadyIdle):
			return DiscordExecutionError{Message: "The turtle changed state before that click landed, try again.", Err: err, UserError: true}
		}
		return fmt.Errorf("toggling listening: %w", err)
	}
	log.With(zap.Stringer("listening", listening)).Debug("panel toggled")

	if e.Message != nil {
		b.setPanel(e.ChannelID, e.Message.ID)
	}

	// the state listener edits the panel, just acknowledge the click
	err = b.discord.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		return fmt.Errorf("responding: %w", err)
	}
	return nil
}

func (b *DiscordBot) handlePanelClear(ctx context.Context, e *discordgo.InteractionCreate) error {
	err := b.turtle.Reset(ctx)
	if err != nil {
		if errors.Is(err, controller.ErrActuatorNotReady) {
			return DiscordExecutionError{Message: "The turtle isn't ready yet.", Err: err, UserError: true}
		}
		return fmt.Errorf("clearing: %w", err)
	}

	if e.Message != nil {
		b.setPanel(e.ChannelID, e.Message.ID)
	}

	err = b.discord.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		return fmt.Errorf("responding: %w", err)
	}
	return nil
}
