package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"appforge/pkg/domain"
)

const migrateLockID int64 = 84218421

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock so
// concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ApplicationModel{}, &PromptModel{}, &ActiveSessionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateApplication inserts a new application row.
func (s *GormStore) CreateApplication(app domain.Application) error {
	model := applicationToModel(app)
	return s.db.Create(&model).Error
}

// GetApplication returns an application by id, excluding soft-deleted rows.
func (s *GormStore) GetApplication(id string) (domain.Application, bool, error) {
	var model ApplicationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Application{}, false, nil
		}
		return domain.Application{}, false, err
	}
	return applicationFromModel(model), true, nil
}

// GetApplicationForUser looks an application up by id and owner together.
func (s *GormStore) GetApplicationForUser(id, userID string) (domain.Application, bool, error) {
	var model ApplicationModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Application{}, false, nil
		}
		return domain.Application{}, false, err
	}
	return applicationFromModel(model), true, nil
}

// SetDeployStatus updates the deploy status and, when given, the public URL.
func (s *GormStore) SetDeployStatus(id string, status domain.DeployStatus, appURL string) error {
	updates := map[string]any{"deploy_status": string(status), "updated_at": time.Now().UTC()}
	if appURL != "" {
		updates["app_url"] = appURL
	}
	return s.db.Model(&ApplicationModel{}).Where("id = ?", id).Updates(updates).Error
}

// BeginDeploy is a conditional update, not read-then-write: the check crosses a
// database round-trip and two overlapping iterations must not both pass it.
func (s *GormStore) BeginDeploy(id string) (bool, error) {
	res := s.db.Model(&ApplicationModel{}).
		Where("id = ? AND deploy_status <> ?", id, string(domain.DeployDeploying)).
		Updates(map[string]any{"deploy_status": string(domain.DeployDeploying), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SoftDeleteApplication marks the row deleted; rows are never hard-deleted.
func (s *GormStore) SoftDeleteApplication(id string) error {
	return s.db.Delete(&ApplicationModel{}, "id = ?", id).Error
}

// AppendPrompt stores one conversation turn.
func (s *GormStore) AppendPrompt(p domain.Prompt) error {
	model, err := promptToModel(p)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListPrompts returns all turns for an application in chronological order.
func (s *GormStore) ListPrompts(applicationID string) ([]domain.Prompt, error) {
	var models []PromptModel
	if err := s.db.Where("application_id = ?", applicationID).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	prompts := make([]domain.Prompt, 0, len(models))
	for _, m := range models {
		prompts = append(prompts, promptFromModel(m))
	}
	return prompts, nil
}

// CountUserPromptsSince counts user-authored turns across the user's
// applications, including soft-deleted ones so deleting an app does not refund
// quota.
func (s *GormStore) CountUserPromptsSince(userID string, since time.Time) (int, error) {
	var count int64
	err := s.db.Model(&PromptModel{}).
		Joins("JOIN application_models ON application_models.id = prompt_models.application_id").
		Where("application_models.user_id = ? AND prompt_models.role = ? AND prompt_models.created_at >= ?",
			userID, string(domain.RoleTurnUser), since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveSession inserts or refreshes an active session row.
func (s *GormStore) SaveSession(sess domain.ActiveSession) error {
	model := sessionToModel(sess)
	return s.db.Save(&model).Error
}

// SaveSessionBelowCeiling admits a session only while the count of sessions
// active at or after activeSince stays below max. The check and insert run as
// one statement so concurrent admissions cannot both pass a stale count.
func (s *GormStore) SaveSessionBelowCeiling(sess domain.ActiveSession, activeSince time.Time, max int) (bool, error) {
	model := sessionToModel(sess)
	res := s.db.Exec(`INSERT INTO active_session_models
		(id, user_id, trace_id, application_id, last_active_at, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE (SELECT count(*) FROM active_session_models WHERE last_active_at >= ?) < ?`,
		model.ID, model.UserID, model.TraceID, model.ApplicationID,
		model.LastActiveAt, model.CreatedAt, activeSince, max)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TouchSession refreshes the last-activity timestamp.
func (s *GormStore) TouchSession(id string, at time.Time) error {
	return s.db.Model(&ActiveSessionModel{}).Where("id = ?", id).
		Update("last_active_at", at.UTC()).Error
}

// DeleteSession removes a session on normal completion.
func (s *GormStore) DeleteSession(id string) error {
	return s.db.Delete(&ActiveSessionModel{}, "id = ?", id).Error
}

// CountSessionsSince counts sessions active at or after the cutoff.
func (s *GormStore) CountSessionsSince(cutoff time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&ActiveSessionModel{}).
		Where("last_active_at >= ?", cutoff).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteSessionsIdleBefore reaps sessions whose last activity predates cutoff.
func (s *GormStore) DeleteSessionsIdleBefore(cutoff time.Time) (int, error) {
	res := s.db.Delete(&ActiveSessionModel{}, "last_active_at < ?", cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func applicationToModel(app domain.Application) ApplicationModel {
	model := ApplicationModel{
		ID:           app.ID,
		Name:         app.Name,
		UserID:       app.UserID,
		TraceID:      app.TraceID,
		RepoURL:      app.RepoURL,
		AppName:      app.AppName,
		AppURL:       app.AppURL,
		DeployStatus: string(app.DeployStatus),
		CreatedAt:    app.CreatedAt,
		UpdatedAt:    app.UpdatedAt,
	}
	if app.DeletedAt != nil {
		model.DeletedAt = gorm.DeletedAt{Time: *app.DeletedAt, Valid: true}
	}
	return model
}

func applicationFromModel(model ApplicationModel) domain.Application {
	app := domain.Application{
		ID:           model.ID,
		Name:         model.Name,
		UserID:       model.UserID,
		TraceID:      model.TraceID,
		RepoURL:      model.RepoURL,
		AppName:      model.AppName,
		AppURL:       model.AppURL,
		DeployStatus: domain.DeployStatus(model.DeployStatus),
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
	if model.DeletedAt.Valid {
		t := model.DeletedAt.Time
		app.DeletedAt = &t
	}
	return app
}

func promptToModel(p domain.Prompt) (PromptModel, error) {
	model := PromptModel{
		ID:            p.ID,
		ApplicationID: p.ApplicationID,
		Content:       domain.TruncatePromptContent(p.Content),
		Role:          string(p.Role),
		Kind:          p.Kind,
		CreatedAt:     p.CreatedAt,
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return PromptModel{}, fmt.Errorf("encode prompt metadata: %w", err)
		}
		model.Metadata = datatypes.JSON(raw)
	}
	return model, nil
}

func promptFromModel(model PromptModel) domain.Prompt {
	p := domain.Prompt{
		ID:            model.ID,
		ApplicationID: model.ApplicationID,
		Content:       model.Content,
		Role:          domain.PromptRole(model.Role),
		Kind:          model.Kind,
		CreatedAt:     model.CreatedAt,
	}
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &p.Metadata)
	}
	return p
}

func sessionToModel(sess domain.ActiveSession) ActiveSessionModel {
	return ActiveSessionModel{
		ID:            sess.ID,
		UserID:        sess.UserID,
		TraceID:       sess.TraceID,
		ApplicationID: sess.ApplicationID,
		LastActiveAt:  sess.LastActiveAt,
		CreatedAt:     sess.CreatedAt,
	}
}
