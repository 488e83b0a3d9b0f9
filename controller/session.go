package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/commands"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session ties one classifier feed to one controller for the lifetime of the
// process. It replaces ambient model and turtle globals.
type Session struct {
	ID uuid.UUID

	log        *zap.Logger
	classifier asr.Classifier

	mu         sync.RWMutex
	vocabulary commands.Vocabulary
	loadErr    error
}

func NewSession(parentLogger *zap.Logger, classifier asr.Classifier) *Session {
	id := uuid.New()
	return &Session{
		ID:         id,
		log:        parentLogger.Named("session").With(zap.String("session_id", id.String())),
		classifier: classifier,
	}
}

// Init loads the classifier model and caches its vocabulary. A failure is
// remembered: the session stays inert and every later StartListening reports
// it.
func (s *Session) Init(ctx context.Context) error {
	err := s.classifier.EnsureModelLoaded(ctx)
	if err == nil && len(s.classifier.WordLabels()) == 0 {
		err = fmt.Errorf("%w: empty vocabulary", asr.ErrModelLoad)
	}
	if err != nil && !errors.Is(err, asr.ErrModelLoad) {
		err = fmt.Errorf("%w: %w", asr.ErrModelLoad, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.loadErr = err
		s.log.Error("classifier failed to load", zap.Error(err))
		return err
	}

	s.loadErr = nil
	s.vocabulary = s.classifier.WordLabels()
	s.log.With(zap.Strings("labels", s.vocabulary)).Info("classifier loaded")
	return nil
}

// Vocabulary returns the loaded labels, or an error if Init has not succeeded.
func (s *Session) Vocabulary() (commands.Vocabulary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.vocabulary == nil {
		return nil, asr.ErrModelNotLoaded
	}
	return s.vocabulary, nil
}

func (s *Session) Classifier() asr.Classifier {
	return s.classifier
}

// Teardown stops the classifier stream if it is still running.
func (s *Session) Teardown() error {
	if !s.classifier.IsListening() {
		return nil
	}
	if err := s.classifier.StopListening(); err != nil {
		return fmt.Errorf("stopping classifier: %w", err)
	}
	return nil
}
