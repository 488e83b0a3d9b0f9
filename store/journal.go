package store

import (
	"context"
	"fmt"
	"time"

	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/controller"
)

var _ controller.Journal = (*Store)(nil)

type JournalEntry struct {
	SessionID string
	Frame     uint64
	Command   string
	Score     float64
	PositionX float64
	PositionY float64
	Heading   float64
	AppliedAt time.Time
}

const insertCommand = `INSERT INTO command_journal
	(session_id, frame, command, score, position_x, position_y, heading)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// RecordCommand stores an applied command with the pose it produced.
func (s *Store) RecordCommand(ctx context.Context, sessionID string, event commands.Event, state controller.State) error {
	_, err := s.conn.Exec(ctx, insertCommand,
		sessionID,
		int64(event.Frame),
		event.Label,
		event.Score,
		state.Position.X,
		state.Position.Y,
		state.Heading,
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

const selectSessionCommands = `SELECT session_id::text, frame, command, score, position_x, position_y, heading, applied_at
	FROM command_journal
	WHERE session_id = $1
	ORDER BY applied_at, id`

// SessionCommands lists a session's journal, oldest first.
func (s *Store) SessionCommands(ctx context.Context, sessionID string) ([]JournalEntry, error) {
	rows, err := s.conn.Query(ctx, selectSessionCommands, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var frame int64
		err := rows.Scan(&e.SessionID, &frame, &e.Command, &e.Score, &e.PositionX, &e.PositionY, &e.Heading, &e.AppliedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.Frame = uint64(frame)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	return entries, nil
}
