package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	ExpiresAt    time.Time
}

type ProjectInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	MemberEmails []string `json:"memberEmails"`
}

type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	AssigneeID  string     `json:"assigneeId"`
	// AssigneeEmail resolves to an ID when AssigneeID is not set.
	AssigneeEmail string     `json:"assigneeEmail"`
	DueDate       *time.Time `json:"dueDate"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUserEmails(context.Context) ([]string, error)
	InsertProject(context.Context, store.Project, []string) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsByUser(context.Context, string) ([]store.Project, error)
	UpdateProjectFields(context.Context, string, string, string) error
	ReplaceProjectMembers(context.Context, string, []string) error
	AddProjectMember(context.Context, string, string) error
	DeleteProject(context.Context, string) error
	IsProjectMember(context.Context, string, string) (bool, error)
	IsProjectOwner(context.Context, string, string) (bool, error)
	SetProjectCompletion(context.Context, string, int) error
	CountTasksAssignedTo(context.Context, string, string) (int, error)
	InsertTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	ListTasksByProject(context.Context, string) ([]store.Task, error)
	UpdateTask(context.Context, store.Task) error
	DeleteTask(context.Context, string) error
	TaskCompletionCounts(context.Context, string) (int, int, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type broadcaster interface {
	Publish(projectID string, event realtime.Event)
}

type taskSearch interface {
	Search(q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	DeleteTask(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	bus      broadcaster
	search   taskSearch

	locksMu      sync.Mutex
	projectLocks map[string]*sync.Mutex
}

// New wires the service. sessions falls back to the Postgres store when Redis
// is not configured; searchSvc may be nil.
func New(cfg config.Config, dataStore dataStore, sessions sessionStore, bus broadcaster, searchSvc taskSearch) *Service {
	return &Service{
		cfg:          cfg,
		store:        dataStore,
		sessions:     sessions,
		bus:          bus,
		search:       searchSvc,
		projectLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Auth

func (s *Service) SignUp(ctx context.Context, name, email, password string) (Session, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || password == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name, email and password are required", nil)
	}
	if len(password) < 6 {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "password must be at least 6 characters", nil)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return Session{}, err
	}
	user := store.User{
		ID:           util.NewID("user"),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, err
	}
	return s.createSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) createSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken(s.cfg.JWTSecret, user.ID, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refreshToken := randomToken()
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user, refreshExpiry); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates the refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, err
	}
	return s.createSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	userID, err := auth.ParseToken(s.cfg.JWTSecret, token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{Token: token, UserID: user.ID, UserName: user.Name, Email: user.Email}, nil
}

// VerifyCredential lets the websocket gateway authenticate a handshake with
// the same tokens the HTTP API issues.
func (s *Service) VerifyCredential(ctx context.Context, token string) (realtime.Identity, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: session.UserID, Name: session.UserName}, nil
}

// Users

func (s *Service) ListUserEmails(ctx context.Context) ([]string, error) {
	return s.store.ListUserEmails(ctx)
}

// Projects

func (s *Service) CreateProject(ctx context.Context, session Session, input ProjectInput) (store.Project, error) {
	title, description, err := validateProjectInput(input)
	if err != nil {
		return store.Project{}, err
	}

	memberIDs, err := s.resolveMemberEmails(ctx, session.UserID, input.MemberEmails)
	if err != nil {
		return store.Project{}, err
	}

	project := store.Project{
		ID:          util.NewID("proj"),
		Title:       title,
		Description: description,
		OwnerID:     session.UserID,
	}
	if err := s.store.InsertProject(ctx, project, memberIDs); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, project.ID)
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	return s.store.ListProjectsByUser(ctx, session.UserID)
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	if err := s.requireMember(ctx, projectID, session.UserID); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

// UpdateProject is owner-only. When the member list changes, a member cannot
// be removed while tasks in the project are still assigned to them.
func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input ProjectInput) (store.Project, error) {
	if err := s.requireOwner(ctx, projectID, session.UserID); err != nil {
		return store.Project{}, err
	}

	current, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}

	title, description, err := validateProjectInput(input)
	if err != nil {
		return store.Project{}, err
	}

	memberIDs, err := s.resolveMemberEmails(ctx, session.UserID, input.MemberEmails)
	if err != nil {
		return store.Project{}, err
	}

	kept := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		kept[id] = struct{}{}
	}
	for _, member := range current.Members {
		if _, ok := kept[member.ID]; ok {
			continue
		}
		count, err := s.store.CountTasksAssignedTo(ctx, projectID, member.ID)
		if err != nil {
			return store.Project{}, err
		}
		if count > 0 {
			return store.Project{}, domainError(http.StatusConflict, "MEMBER_HAS_TASKS",
				"Cannot remove member with assigned tasks", map[string]any{"email": member.Email, "taskCount": count})
		}
	}

	if err := s.store.UpdateProjectFields(ctx, projectID, title, description); err != nil {
		return store.Project{}, err
	}
	if err := s.store.ReplaceProjectMembers(ctx, projectID, memberIDs); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if err := s.requireOwner(ctx, projectID, session.UserID); err != nil {
		return err
	}
	return s.store.DeleteProject(ctx, projectID)
}

// AddMember is owner-only and idempotent.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, email string) (store.Project, error) {
	if err := s.requireOwner(ctx, projectID, session.UserID); err != nil {
		return store.Project{}, err
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "No user found with email "+email, nil)
		}
		return store.Project{}, err
	}
	if user.ID != session.UserID {
		if err := s.store.AddProjectMember(ctx, projectID, user.ID); err != nil {
			return store.Project{}, err
		}
	}
	return s.store.GetProject(ctx, projectID)
}

func validateProjectInput(input ProjectInput) (title, description string, err error) {
	title = strings.TrimSpace(input.Title)
	if len(title) < 3 || len(title) > 100 {
		return "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must be 3 to 100 characters", nil)
	}
	description = strings.TrimSpace(input.Description)
	if len(description) > 500 {
		return "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description must be at most 500 characters", nil)
	}
	return title, description, nil
}

// resolveMemberEmails maps member emails to user IDs. The owner is implicit
// and never stored as a member row.
func (s *Service) resolveMemberEmails(ctx context.Context, ownerID string, emails []string) ([]string, error) {
	seen := make(map[string]struct{}, len(emails))
	memberIDs := make([]string, 0, len(emails))
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		user, err := s.store.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					"No user found with email "+email, nil)
			}
			return nil, err
		}
		if user.ID == ownerID {
			continue
		}
		if _, dup := seen[user.ID]; dup {
			continue
		}
		seen[user.ID] = struct{}{}
		memberIDs = append(memberIDs, user.ID)
	}
	return memberIDs, nil
}

// Tasks

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input TaskInput) (store.Task, error) {
	if err := s.requireMember(ctx, projectID, session.UserID); err != nil {
		return store.Task{}, err
	}
	task, err := s.validateTaskInput(ctx, projectID, input)
	if err != nil {
		return store.Task{}, err
	}
	task.ID = util.NewID("task")
	task.ProjectID = projectID

	var created store.Task
	err = s.applyAndBroadcast(ctx, projectID,
		func(ctx context.Context) error {
			if err := s.store.InsertTask(ctx, task); err != nil {
				return err
			}
			created, err = s.store.GetTask(ctx, task.ID)
			return err
		},
		func() realtime.Event { return realtime.TaskCreated(projectID, created) },
	)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(created)
	return created, nil
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]store.Task, error) {
	if err := s.requireMember(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListTasksByProject(ctx, projectID)
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireMember(ctx, task.ProjectID, session.UserID); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// UpdateTask requires the caller to be the project owner or the task's
// current assignee; plain membership is not enough to rewrite someone
// else's task.
func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, input TaskInput) (store.Task, error) {
	existing, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireMember(ctx, existing.ProjectID, session.UserID); err != nil {
		return store.Task{}, err
	}
	if existing.AssigneeID != session.UserID {
		isOwner, err := s.store.IsProjectOwner(ctx, existing.ProjectID, session.UserID)
		if err != nil {
			return store.Task{}, err
		}
		if !isOwner {
			return store.Task{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner or the assignee can update this task", nil)
		}
	}
	task, err := s.validateTaskInput(ctx, existing.ProjectID, input)
	if err != nil {
		return store.Task{}, err
	}
	task.ID = existing.ID
	task.ProjectID = existing.ProjectID

	var updated store.Task
	err = s.applyAndBroadcast(ctx, existing.ProjectID,
		func(ctx context.Context) error {
			if err := s.store.UpdateTask(ctx, task); err != nil {
				return err
			}
			updated, err = s.store.GetTask(ctx, task.ID)
			return err
		},
		func() realtime.Event { return realtime.TaskUpdated(existing.ProjectID, updated) },
	)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(updated)
	return updated, nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	existing, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, existing.ProjectID, session.UserID); err != nil {
		return err
	}

	err = s.applyAndBroadcast(ctx, existing.ProjectID,
		func(ctx context.Context) error { return s.store.DeleteTask(ctx, taskID) },
		func() realtime.Event { return realtime.TaskDeleted(existing.ProjectID, taskID) },
	)
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

func (s *Service) validateTaskInput(ctx context.Context, projectID string, input TaskInput) (store.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" || len(title) > 200 {
		return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must be 1 to 200 characters", nil)
	}
	description := strings.TrimSpace(input.Description)
	if len(description) > 1000 {
		return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description must be at most 1000 characters", nil)
	}
	status := input.Status
	if status == "" {
		status = store.TaskStatusTodo
	}
	if !store.ValidTaskStatus(status) {
		return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid status", nil)
	}

	assigneeID := input.AssigneeID
	if assigneeID == "" && input.AssigneeEmail != "" {
		user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(input.AssigneeEmail)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "No user found with email "+input.AssigneeEmail, nil)
			}
			return store.Task{}, err
		}
		assigneeID = user.ID
	}
	if assigneeID == "" {
		return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignee is required", nil)
	}
	isMember, err := s.store.IsProjectMember(ctx, projectID, assigneeID)
	if err != nil {
		return store.Task{}, err
	}
	if !isMember {
		return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignee must be a project member", nil)
	}
	return store.Task{
		Title:       title,
		Description: description,
		Status:      status,
		AssigneeID:  assigneeID,
		DueDate:     input.DueDate,
	}, nil
}

// applyAndBroadcast serializes mutations per project: commit, recompute the
// completion aggregate from a full recount, then publish. A failed commit or
// recompute publishes nothing.
func (s *Service) applyAndBroadcast(ctx context.Context, projectID string, mutate func(context.Context) error, event func() realtime.Event) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if err := mutate(ctx); err != nil {
		return err
	}
	if err := s.recomputeCompletion(ctx, projectID); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(projectID, event())
	}
	return nil
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.projectLocks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.projectLocks[projectID] = mu
	}
	return mu
}

func (s *Service) recomputeCompletion(ctx context.Context, projectID string) error {
	total, completed, err := s.store.TaskCompletionCounts(ctx, projectID)
	if err != nil {
		return err
	}
	percentage := 0
	if total > 0 {
		percentage = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return s.store.SetProjectCompletion(ctx, projectID, percentage)
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:           task.ID,
		Title:        task.Title,
		Description:  task.Description,
		Status:       task.Status,
		ProjectID:    task.ProjectID,
		ProjectTitle: task.ProjectTitle,
	})
}

// SearchTasks scopes full-text search to the projects the caller belongs to.
func (s *Service) SearchTasks(ctx context.Context, session Session, text, status string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	projects, err := s.store.ListProjectsByUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}
	return s.search.Search(search.Query{
		Text:       text,
		ProjectIDs: projectIDs,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// Access checks

func (s *Service) requireMember(ctx context.Context, projectID, userID string) error {
	isMember, err := s.store.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) requireOwner(ctx context.Context, projectID, userID string) error {
	isOwner, err := s.store.IsProjectOwner(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !isOwner {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner can do this", nil)
	}
	return nil
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
