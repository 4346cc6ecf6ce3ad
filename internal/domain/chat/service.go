package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannamed/ma-api/internal/agent"
	"github.com/hannamed/ma-api/internal/agent/tools"
	"github.com/hannamed/ma-api/internal/domain/doctor"
	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/pkg/pagination"
)

// Agent produces the assistant reply for one turn.
type Agent interface {
	Run(ctx context.Context, req agent.Request, cb agent.Callbacks) (string, error)
}

type Options struct {
	HistoryLimit    int
	Classifier      Classifier
	TurnLock        TurnLock
	DetachedTimeout time.Duration
	Logger          zerolog.Logger
}

// Service orchestrates chat turns: it persists the doctor's messages, runs
// the agent with the recent history and stores the reply.
type Service struct {
	sessions     SessionRepository
	messages     MessageRepository
	doctors      doctor.Directory
	agent        Agent
	lock         TurnLock
	classify     Classifier
	historyLimit int
	detachedTTL  time.Duration
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

func NewService(sessions SessionRepository, messages MessageRepository, doctors doctor.Directory, a Agent, opts Options) *Service {
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > agent.MaxHistory {
		opts.HistoryLimit = agent.MaxHistory
	}
	if opts.Classifier == nil {
		opts.Classifier = ClassifyByMarkers
	}
	if opts.TurnLock == nil {
		opts.TurnLock = NewMemoryTurnLock()
	}
	if opts.DetachedTimeout <= 0 {
		opts.DetachedTimeout = 5 * time.Minute
	}
	return &Service{
		sessions:     sessions,
		messages:     messages,
		doctors:      doctors,
		agent:        a,
		lock:         opts.TurnLock,
		classify:     opts.Classifier,
		historyLimit: opts.HistoryLimit,
		detachedTTL:  opts.DetachedTimeout,
		logger:       opts.Logger.With().Str("component", "chat").Logger(),
	}
}

// Send stores content as a new USER message, runs the agent and returns the
// persisted ASSISTANT reply.
func (s *Service) Send(ctx context.Context, doctorID int64, content string, cb agent.Callbacks) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	release, err := s.lock.Acquire(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	defer release()
	cb.Start()

	doc, session, user, err := s.begin(ctx, doctorID, content)
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, doc, session, user, cb)
}

// SubmitDetached stores content as a USER message and generates the reply in
// the background. The turn lock is held until the background turn ends.
// Failures of the background turn are logged, not returned.
func (s *Service) SubmitDetached(ctx context.Context, doctorID int64, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	release, err := s.lock.Acquire(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	doc, session, user, err := s.begin(ctx, doctorID, content)
	if err != nil {
		release()
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Int64("doctor_id", doctorID).Interface("panic", r).Msg("detached turn panicked")
			}
		}()

		bg, cancel := context.WithTimeout(context.Background(), s.detachedTTL)
		defer cancel()

		if _, err := s.respond(bg, doc, session, user, agent.Callbacks{}); err != nil {
			s.logger.Error().Err(err).Int64("doctor_id", doctorID).Int64("message_id", user.ID).Msg("detached turn failed")
		}
	}()

	return user, nil
}

// Wait blocks until every detached turn has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Regenerate replaces the latest ASSISTANT reply with a fresh one for the
// same USER message.
func (s *Service) Regenerate(ctx context.Context, doctorID int64, cb agent.Callbacks) (*Message, error) {
	return s.redo(ctx, doctorID, "", cb)
}

// EditLastMessage rewrites the USER message of the latest turn and replaces
// its ASSISTANT reply.
func (s *Service) EditLastMessage(ctx context.Context, doctorID int64, content string, cb agent.Callbacks) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	return s.redo(ctx, doctorID, content, cb)
}

func (s *Service) redo(ctx context.Context, doctorID int64, newContent string, cb agent.Callbacks) (*Message, error) {
	release, err := s.lock.Acquire(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	defer release()
	cb.Start()

	session, err := s.sessions.GetByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	assistant, err := s.messages.LastByRole(ctx, session.ID, RoleAssistant)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, ErrNoAssistantMessage
	}
	if err != nil {
		return nil, err
	}

	user, err := s.messages.LastByRoleBefore(ctx, session.ID, RoleUser, assistant.ID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, ErrNoUserMessage
	}
	if err != nil {
		return nil, err
	}

	doc, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	if newContent != "" {
		if err := s.messages.UpdateContent(ctx, user.ID, newContent); err != nil {
			return nil, err
		}
		user.Content = newContent
	}
	if err := s.messages.Delete(ctx, assistant.ID); err != nil {
		return nil, err
	}

	return s.respond(ctx, doc, session, user, cb)
}

// GetSession returns one page of history, oldest first. The session is
// created if the doctor has none yet.
func (s *Service) GetSession(ctx context.Context, doctorID int64, limit int, cursor *int64) (*SessionPage, error) {
	session, err := s.sessions.GetOrCreate(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	newest, err := s.messages.Page(ctx, session.ID, limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &SessionPage{SessionID: session.ID, Messages: pagination.Reverse(newest)}
	if len(newest) > 0 {
		page.NextCursor = pagination.NextCursor(len(newest), limit, newest[len(newest)-1].ID)
	}
	return page, nil
}

func (s *Service) begin(ctx context.Context, doctorID int64, content string) (*doctor.Doctor, *Session, *Message, error) {
	doc, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load doctor: %w", err)
	}
	session, err := s.sessions.GetOrCreate(ctx, doctorID)
	if err != nil {
		return nil, nil, nil, err
	}
	user := &Message{SessionID: session.ID, Role: RoleUser, Content: content, Type: TypeText}
	if err := s.messages.Create(ctx, user); err != nil {
		return nil, nil, nil, err
	}
	return doc, session, user, nil
}

// respond runs the agent for user with the history preceding it and stores
// the reply.
func (s *Service) respond(ctx context.Context, doc *doctor.Doctor, session *Session, user *Message, cb agent.Callbacks) (*Message, error) {
	prior, err := s.messages.Page(ctx, session.ID, s.historyLimit, &user.ID)
	if err != nil {
		return nil, err
	}
	history := make([]agent.Message, 0, len(prior))
	for _, m := range pagination.Reverse(prior) {
		history = append(history, agent.Message{Role: agent.Role(m.Role), Content: m.Content})
	}

	answer, err := s.agent.Run(ctx, agent.Request{
		Doctor:  doctorContext(doc),
		History: history,
		Input:   user.Content,
	}, cb)
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	reply := &Message{
		SessionID: session.ID,
		Role:      RoleAssistant,
		Content:   answer,
		Type:      s.classify(answer),
	}
	if err := s.messages.Create(ctx, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func doctorContext(d *doctor.Doctor) tools.DoctorContext {
	dc := tools.DoctorContext{DoctorID: d.ID, Name: d.Name, Specialty: d.Specialty}
	for _, h := range d.Hospitals {
		if emr, err := patient.ParseEMRSystem(h); err == nil {
			dc.Hospitals = append(dc.Hospitals, emr)
		}
	}
	return dc
}
