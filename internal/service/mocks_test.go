package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/initiative"
	"github.com/ensemble-hq/conductor/internal/domain/memory"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/prompt"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStore implements database.Store in memory for testing.
type mockStore struct {
	policies      map[string]json.RawMessage
	rules         []trigger.Rule
	proposals     []proposal.Proposal
	missions      []mission.Mission
	steps         []mission.Step
	sessions      []session.AgentSession
	conversations []session.ConversationSession
	initiatives   []initiative.Initiative
	memories      []memory.Memory
	templates     map[string]prompt.Template
	grants        []string // "agent:path:step"

	proposalsToday  int
	stepsToday      int
	draftStepsToday int
	activeMissions  int
	counts          map[string]int // CountRows result by table

	seq int

	// Error hooks, set to inject failures.
	getPolicyErr       error
	countRowsErr       error
	createProposalErr  error
	createMissionErr   error
	claimSessionErr    error
	markFiredErr       error
	completeStepErr    error
	finalizeErr        error
	createSessionErr   error
	grantErr           error
	listDelegatedErr   error
	listStaleErr       error
	countProposalsErr  error
	countStepsErr      error
	countActiveErr     error
	createConvErr      error
	createInitErr      error
	completeInitErr    error
	listRulesErr       error
	missionCountsErr   error
	updateProposalErr  error
	getMissionErr      error
	listMemoriesErr    error
	getTemplateErr     error
	attachSessionErr   error
	claimStepErr       error
	claimConvErr       error
	claimInitErr       error
	releaseConvErr     error
	markSessionFailErr error
	getSessionErr      error
	setPolicyErr       error
}

func (m *mockStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockStore) GetPolicy(_ context.Context, key string) (json.RawMessage, error) {
	if m.getPolicyErr != nil {
		return nil, m.getPolicyErr
	}
	raw, ok := m.policies[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (m *mockStore) SetPolicy(_ context.Context, key string, value json.RawMessage, _ string) error {
	if m.setPolicyErr != nil {
		return m.setPolicyErr
	}
	if m.policies == nil {
		m.policies = make(map[string]json.RawMessage)
	}
	m.policies[key] = value
	return nil
}

func (m *mockStore) ListEnabledTriggerRules(_ context.Context) ([]trigger.Rule, error) {
	if m.listRulesErr != nil {
		return nil, m.listRulesErr
	}
	return m.rules, nil
}

func (m *mockStore) MarkTriggerFired(_ context.Context, id string, firedAt time.Time) error {
	if m.markFiredErr != nil {
		return m.markFiredErr
	}
	for i := range m.rules {
		if m.rules[i].ID == id {
			at := firedAt
			m.rules[i].LastFiredAt = &at
			m.rules[i].FireCount++
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateProposal(_ context.Context, req proposal.CreateRequest) (*proposal.Proposal, error) {
	if m.createProposalErr != nil {
		return nil, m.createProposalErr
	}
	p := proposal.Proposal{
		ID:            m.nextID("prop"),
		AgentID:       req.AgentID,
		Title:         req.Title,
		Description:   req.Description,
		ProposedSteps: req.ProposedSteps,
		Source:        req.Source,
		SourceTraceID: req.SourceTraceID,
		Status:        proposal.StatusPending,
	}
	m.proposals = append(m.proposals, p)
	return &p, nil
}

func (m *mockStore) GetProposal(_ context.Context, id string) (*proposal.Proposal, error) {
	for i := range m.proposals {
		if m.proposals[i].ID == id {
			return &m.proposals[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) UpdateProposalStatus(_ context.Context, id string, status proposal.Status, autoApproved bool) error {
	if m.updateProposalErr != nil {
		return m.updateProposalErr
	}
	for i := range m.proposals {
		if m.proposals[i].ID == id && m.proposals[i].Status == proposal.StatusPending {
			m.proposals[i].Status = status
			m.proposals[i].AutoApproved = autoApproved
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CountProposalsToday(_ context.Context, _ string) (int, error) {
	return m.proposalsToday, m.countProposalsErr
}

func (m *mockStore) CreateMissionWithSteps(_ context.Context, mi *mission.Mission, steps []proposal.ProposedStep) error {
	if m.createMissionErr != nil {
		return m.createMissionErr
	}
	mi.ID = m.nextID("mission")
	m.missions = append(m.missions, *mi)
	for i, ps := range steps {
		m.steps = append(m.steps, mission.Step{
			ID:        m.nextID("step"),
			MissionID: mi.ID,
			Kind:      ps.Kind,
			Ordinal:   i,
			Payload:   ps.Payload,
			Status:    mission.StepQueued,
		})
	}
	return nil
}

func (m *mockStore) GetMission(_ context.Context, id string) (*mission.Mission, error) {
	if m.getMissionErr != nil {
		return nil, m.getMissionErr
	}
	for i := range m.missions {
		if m.missions[i].ID == id {
			return &m.missions[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) CountActiveMissions(_ context.Context) (int, error) {
	return m.activeMissions, m.countActiveErr
}

func (m *mockStore) MissionStepCounts(_ context.Context, missionID string) (mission.StatusCounts, error) {
	if m.missionCountsErr != nil {
		return mission.StatusCounts{}, m.missionCountsErr
	}
	var c mission.StatusCounts
	for i := range m.steps {
		if m.steps[i].MissionID != missionID {
			continue
		}
		switch m.steps[i].Status {
		case mission.StepQueued:
			c.Queued++
		case mission.StepRunning:
			c.Running++
		case mission.StepSucceeded:
			c.Succeeded++
		case mission.StepFailed:
			c.Failed++
		case mission.StepSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

func (m *mockStore) FinalizeMission(_ context.Context, id string, status mission.Status, reason string) (bool, error) {
	if m.finalizeErr != nil {
		return false, m.finalizeErr
	}
	for i := range m.missions {
		if m.missions[i].ID != id {
			continue
		}
		if m.missions[i].Status != mission.StatusApproved && m.missions[i].Status != mission.StatusRunning {
			return false, nil
		}
		m.missions[i].Status = status
		m.missions[i].FailureReason = reason
		return true, nil
	}
	return false, nil
}

func (m *mockStore) ClaimNextStep(_ context.Context, workerID string) (*mission.Step, error) {
	if m.claimStepErr != nil {
		return nil, m.claimStepErr
	}
	best := -1
	for i := range m.steps {
		if m.steps[i].Status != mission.StepQueued || !m.depsSucceeded(&m.steps[i]) {
			continue
		}
		if best == -1 || stepBefore(&m.steps[i], &m.steps[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}
	m.steps[best].Status = mission.StepRunning
	m.steps[best].ReservedBy = workerID
	return &m.steps[best], nil
}

// stepBefore mirrors the lease ordering: creation time, then ordinal.
func stepBefore(a, b *mission.Step) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Ordinal < b.Ordinal
}

func (m *mockStore) depsSucceeded(step *mission.Step) bool {
	for _, dep := range step.DependsOn {
		for i := range m.steps {
			if m.steps[i].ID == dep && m.steps[i].Status != mission.StepSucceeded {
				return false
			}
		}
	}
	return true
}

func (m *mockStore) AttachStepSession(_ context.Context, stepID string, result json.RawMessage, templateVersion int) error {
	if m.attachSessionErr != nil {
		return m.attachSessionErr
	}
	for i := range m.steps {
		if m.steps[i].ID == stepID && m.steps[i].Status == mission.StepRunning {
			m.steps[i].Result = result
			m.steps[i].TemplateVersion = templateVersion
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CompleteStep(_ context.Context, stepID string, status mission.StepStatus, failureReason string) (bool, error) {
	if m.completeStepErr != nil {
		return false, m.completeStepErr
	}
	for i := range m.steps {
		if m.steps[i].ID != stepID {
			continue
		}
		if m.steps[i].Status != mission.StepRunning {
			return false, nil
		}
		m.steps[i].Status = status
		m.steps[i].FailureReason = failureReason
		return true, nil
	}
	return false, nil
}

func (m *mockStore) ListDelegatedSteps(_ context.Context, limit int) ([]database.DelegatedStep, error) {
	if m.listDelegatedErr != nil {
		return nil, m.listDelegatedErr
	}
	var out []database.DelegatedStep
	for i := range m.steps {
		if len(out) >= limit {
			break
		}
		if m.steps[i].Status != mission.StepRunning || len(m.steps[i].Result) == 0 {
			continue
		}
		var res mission.StepResult
		if err := json.Unmarshal(m.steps[i].Result, &res); err != nil || res.SessionID == "" {
			continue
		}
		for j := range m.sessions {
			if m.sessions[j].ID == res.SessionID {
				out = append(out, database.DelegatedStep{
					Step:          m.steps[i],
					SessionID:     res.SessionID,
					SessionStatus: m.sessions[j].Status,
					SessionError:  m.sessions[j].Error,
				})
			}
		}
	}
	return out, nil
}

func (m *mockStore) ListStaleRunningSteps(_ context.Context, olderThan time.Time, limit int) ([]mission.Step, error) {
	if m.listStaleErr != nil {
		return nil, m.listStaleErr
	}
	var out []mission.Step
	for i := range m.steps {
		if len(out) >= limit {
			break
		}
		if m.steps[i].Status == mission.StepRunning && m.steps[i].UpdatedAt.Before(olderThan) {
			out = append(out, m.steps[i])
		}
	}
	return out, nil
}

func (m *mockStore) CountStepsToday(_ context.Context, _ string) (int, error) {
	return m.stepsToday, m.countStepsErr
}

func (m *mockStore) CountStepsTodayByKind(_ context.Context, _ string, _ []mission.Kind) (int, error) {
	return m.draftStepsToday, m.countStepsErr
}

func (m *mockStore) CreateAgentSession(_ context.Context, s *session.AgentSession) error {
	if m.createSessionErr != nil {
		return m.createSessionErr
	}
	s.ID = m.nextID("sess")
	if s.Status == "" {
		s.Status = session.StatusPending
	}
	m.sessions = append(m.sessions, *s)
	return nil
}

func (m *mockStore) ClaimNextAgentSession(_ context.Context) (*session.AgentSession, error) {
	if m.claimSessionErr != nil {
		return nil, m.claimSessionErr
	}
	for i := range m.sessions {
		if m.sessions[i].Status == session.StatusPending {
			m.sessions[i].Status = session.StatusRunning
			return &m.sessions[i], nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetAgentSession(_ context.Context, id string) (*session.AgentSession, error) {
	if m.getSessionErr != nil {
		return nil, m.getSessionErr
	}
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			return &m.sessions[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) MarkAgentSessionFailed(_ context.Context, id, errMsg string) error {
	if m.markSessionFailErr != nil {
		return m.markSessionFailErr
	}
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].Status = session.StatusFailed
			m.sessions[i].Error = errMsg
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateConversation(_ context.Context, c *session.ConversationSession) error {
	if m.createConvErr != nil {
		return m.createConvErr
	}
	c.ID = m.nextID("conv")
	if c.Status == "" {
		c.Status = session.ConversationPending
	}
	m.conversations = append(m.conversations, *c)
	return nil
}

func (m *mockStore) ClaimNextConversation(_ context.Context) (*session.ConversationSession, error) {
	if m.claimConvErr != nil {
		return nil, m.claimConvErr
	}
	for i := range m.conversations {
		if m.conversations[i].Status == session.ConversationPending {
			m.conversations[i].Status = session.ConversationRunning
			return &m.conversations[i], nil
		}
	}
	return nil, nil
}

func (m *mockStore) ReleaseConversation(_ context.Context, id string) error {
	if m.releaseConvErr != nil {
		return m.releaseConvErr
	}
	for i := range m.conversations {
		if m.conversations[i].ID == id {
			m.conversations[i].Status = session.ConversationPending
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateInitiative(_ context.Context, agentID, reason string) error {
	if m.createInitErr != nil {
		return m.createInitErr
	}
	m.initiatives = append(m.initiatives, initiative.Initiative{
		ID:      m.nextID("init"),
		AgentID: agentID,
		Context: reason,
		Status:  initiative.StatusPending,
	})
	return nil
}

func (m *mockStore) ClaimNextInitiative(_ context.Context) (*initiative.Initiative, error) {
	if m.claimInitErr != nil {
		return nil, m.claimInitErr
	}
	for i := range m.initiatives {
		if m.initiatives[i].Status == initiative.StatusPending {
			m.initiatives[i].Status = initiative.StatusRunning
			return &m.initiatives[i], nil
		}
	}
	return nil, nil
}

func (m *mockStore) CompleteInitiative(_ context.Context, id string, status initiative.Status, result json.RawMessage) error {
	if m.completeInitErr != nil {
		return m.completeInitErr
	}
	for i := range m.initiatives {
		if m.initiatives[i].ID == id {
			m.initiatives[i].Status = status
			m.initiatives[i].Result = result
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListRecentMemories(_ context.Context, agentID string, limit int) ([]memory.Memory, error) {
	if m.listMemoriesErr != nil {
		return nil, m.listMemoriesErr
	}
	var out []memory.Memory
	for i := range m.memories {
		if len(out) >= limit {
			break
		}
		if m.memories[i].AgentID == agentID {
			out = append(out, m.memories[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetPromptTemplate(_ context.Context, kind string) (*prompt.Template, error) {
	if m.getTemplateErr != nil {
		return nil, m.getTemplateErr
	}
	tpl, ok := m.templates[kind]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tpl, nil
}

func (m *mockStore) GrantWriteAccess(_ context.Context, agentID, path, stepID string, _ time.Time) error {
	if m.grantErr != nil {
		return m.grantErr
	}
	m.grants = append(m.grants, agentID+":"+path+":"+stepID)
	return nil
}

func (m *mockStore) CountRows(_ context.Context, spec database.CountSpec) (int, error) {
	if m.countRowsErr != nil {
		return 0, m.countRowsErr
	}
	return m.counts[spec.Table], nil
}

// mockCache implements cache.Cache with an injectable clock so TTL
// expiry is testable without sleeping.
type mockCache struct {
	entries map[string]cacheEntry
	clock   func() time.Time
	sets    int
	gets    int
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]cacheEntry), clock: time.Now}
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.gets++
	e, ok := c.entries[key]
	if !ok || c.clock().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets++
	c.entries[key] = cacheEntry{data: value, expiresAt: c.clock().Add(ttl)}
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

// mockEvents implements eventstore.Store, recording appends.
type mockEvents struct {
	appended  []event.Event
	counts    map[string]int
	last      map[string]*event.Event
	appendErr error
	countErr  error
}

func (e *mockEvents) Append(_ context.Context, ev *event.Event) (string, error) {
	if e.appendErr != nil {
		return "", e.appendErr
	}
	ev.ID = fmt.Sprintf("ev-%d", len(e.appended)+1)
	e.appended = append(e.appended, *ev)
	return ev.ID, nil
}

func (e *mockEvents) CountSince(_ context.Context, kind string, _ time.Time) (int, error) {
	if e.countErr != nil {
		return 0, e.countErr
	}
	return e.counts[kind], nil
}

func (e *mockEvents) LastOfKind(_ context.Context, kind string) (*event.Event, error) {
	ev, ok := e.last[kind]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (e *mockEvents) kinds() []event.Kind {
	out := make([]event.Kind, 0, len(e.appended))
	for _, ev := range e.appended {
		out = append(out, ev.Kind)
	}
	return out
}

// mockExecutor implements executor.Executor.
type mockExecutor struct {
	executed      []string // session IDs
	conversations []string // conversation IDs
	generated     []string // prompts
	executeErr    error
	generateErr   error
	generateText  string

	// onExecute lets a test flip the session row like the real
	// capability would.
	onExecute func(s *session.AgentSession)
}

func (e *mockExecutor) ExecuteAgentSession(_ context.Context, s *session.AgentSession) error {
	if e.executeErr != nil {
		return e.executeErr
	}
	e.executed = append(e.executed, s.ID)
	if e.onExecute != nil {
		e.onExecute(s)
	}
	return nil
}

func (e *mockExecutor) OrchestrateConversation(_ context.Context, c *session.ConversationSession) error {
	e.conversations = append(e.conversations, c.ID)
	return nil
}

func (e *mockExecutor) Generate(_ context.Context, _, prompt string) (string, error) {
	if e.generateErr != nil {
		return "", e.generateErr
	}
	e.generated = append(e.generated, prompt)
	return e.generateText, nil
}

// mockNotifier implements notifier.Notifier.
type mockNotifier struct {
	sent    []notifier.Notification
	sendErr error
}

func (n *mockNotifier) Name() string { return "mock" }

func (n *mockNotifier) Send(_ context.Context, notification notifier.Notification) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, notification)
	return nil
}
