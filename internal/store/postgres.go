package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUserEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// Projects

func (s *PostgresStore) InsertProject(ctx context.Context, project Project, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert project: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, owner_id)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Title, project.Description, project.OwnerID); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	for _, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, project.ID, memberID); err != nil {
			return fmt.Errorf("insert project member: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.title, p.description, p.owner_id, p.completion_percentage,
			p.created_at, p.updated_at, u.name, u.email
		FROM projects p
		JOIN users u ON u.id = p.owner_id
		WHERE p.id=$1
	`, projectID).Scan(&p.ID, &p.Title, &p.Description, &p.OwnerID, &p.CompletionPercentage,
		&p.CreatedAt, &p.UpdatedAt, &p.Owner.Name, &p.Owner.Email)
	if err != nil {
		return Project{}, err
	}
	p.Owner.ID = p.OwnerID

	members, err := s.projectMembers(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	p.Members = members
	return p, nil
}

func (s *PostgresStore) ListProjectsByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.title, p.description, p.owner_id, p.completion_percentage,
			p.created_at, p.updated_at, u.name, u.email
		FROM projects p
		JOIN users u ON u.id = p.owner_id
		LEFT JOIN project_members pm ON pm.project_id = p.id
		WHERE p.owner_id = $1 OR pm.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.OwnerID, &p.CompletionPercentage,
			&p.CreatedAt, &p.UpdatedAt, &p.Owner.Name, &p.Owner.Email); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Owner.ID = p.OwnerID
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range projects {
		members, err := s.projectMembers(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].Members = members
	}
	return projects, nil
}

func (s *PostgresStore) projectMembers(ctx context.Context, projectID string) ([]UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY pm.added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	members := make([]UserRef, 0)
	for rows.Next() {
		var m UserRef
		if err := rows.Scan(&m.ID, &m.Name, &m.Email); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpdateProjectFields(ctx context.Context, projectID, title, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET title=$2, description=$3, updated_at=NOW() WHERE id=$1
	`, projectID, title, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// ReplaceProjectMembers swaps the full member set in one transaction.
func (s *PostgresStore) ReplaceProjectMembers(ctx context.Context, projectID string, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace members: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1`, projectID); err != nil {
		return fmt.Errorf("clear project members: %w", err)
	}
	for _, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, projectID, memberID); err != nil {
			return fmt.Errorf("insert project member: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// IsProjectMember reports owner-or-member status. Callers must not cache the
// answer: membership changes between calls.
func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var isMember bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM projects WHERE id=$1 AND owner_id=$2
			UNION ALL
			SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2
		)
	`, projectID, userID).Scan(&isMember)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return isMember, nil
}

func (s *PostgresStore) IsProjectOwner(ctx context.Context, projectID, userID string) (bool, error) {
	var isOwner bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM projects WHERE id=$1 AND owner_id=$2)
	`, projectID, userID).Scan(&isOwner)
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return isOwner, nil
}

func (s *PostgresStore) SetProjectCompletion(ctx context.Context, projectID string, percentage int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET completion_percentage=$2, updated_at=NOW() WHERE id=$1
	`, projectID, percentage)
	if err != nil {
		return fmt.Errorf("set project completion: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountTasksAssignedTo(ctx context.Context, projectID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE project_id=$1 AND assignee_id=$2
	`, projectID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count assigned tasks: %w", err)
	}
	return count, nil
}

// Tasks

const taskColumns = `
	t.id, t.project_id, t.title, t.description, t.status, t.assignee_id, t.due_date,
	t.created_at, t.updated_at, u.name, u.email, p.title
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.AssigneeID,
		&t.DueDate, &t.CreatedAt, &t.UpdatedAt, &t.Assignee.Name, &t.Assignee.Email, &t.ProjectTitle)
	if err != nil {
		return Task{}, err
	}
	t.Assignee.ID = t.AssigneeID
	return t, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, assignee_id, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Status, task.AssigneeID, task.DueDate)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN users u ON u.id = t.assignee_id
		JOIN projects p ON p.id = t.project_id
		WHERE t.id=$1
	`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN users u ON u.id = t.assignee_id
		JOIN projects p ON p.id = t.project_id
		WHERE t.project_id=$1
		ORDER BY t.created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, status=$4, assignee_id=$5, due_date=$6, updated_at=NOW()
		WHERE id=$1
	`, task.ID, task.Title, task.Description, task.Status, task.AssigneeID, task.DueDate)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// TaskCompletionCounts recounts the project's full task set. The aggregate is
// always re-derived from this recount, never adjusted incrementally.
func (s *PostgresStore) TaskCompletionCounts(ctx context.Context, projectID string) (total, completed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'Completed')
		FROM tasks WHERE project_id=$1
	`, projectID).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, completed, nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
