package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/go-sql-driver/mysql"

	"plant-diagnosis-pipeline/config"
	"plant-diagnosis-pipeline/models"
)

var (
	// ErrNotFound means the referenced image record does not exist.
	ErrNotFound = errors.New("image record not found")
	// ErrConflict means the record's status changed since it was read, or
	// a diagnosis row already exists for the image.
	ErrConflict = errors.New("image record changed concurrently")
)

const connectAttempts = 5

// Database wraps the MySQL connection holding image records and diagnoses.
type Database struct {
	db *sql.DB
}

// NewDatabase opens the MySQL connection and verifies it with a bounded
// exponential backoff.
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	waitInterval := 1 * time.Second
	for attempt := 1; ; attempt++ {
		if err = db.Ping(); err == nil {
			break
		}
		if attempt == connectAttempts {
			db.Close()
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, err)
		}
		log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		time.Sleep(waitInterval)
		waitInterval *= 2
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// NewFromDB wraps an already-open connection. Used by tests that back the
// database with a mock driver.
func NewFromDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies database connectivity.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CreateTables creates the plant_images and plant_diagnoses tables if they
// don't exist.
func (d *Database) CreateTables() error {
	imagesQuery := `
	CREATE TABLE IF NOT EXISTS plant_images (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		storage_path VARCHAR(512) NOT NULL,
		uploaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status ENUM('pending', 'processing', 'done', 'failed') NOT NULL DEFAULT 'pending',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_plant_images_status (status),
		INDEX idx_plant_images_uploaded_at (uploaded_at)
	)`

	if _, err := d.db.Exec(imagesQuery); err != nil {
		return fmt.Errorf("failed to create plant_images table: %w", err)
	}

	diagnosesQuery := `
	CREATE TABLE IF NOT EXISTS plant_diagnoses (
		image_id VARCHAR(36) NOT NULL,
		plant_name VARCHAR(255) NOT NULL DEFAULT 'unknown',
		disease_name VARCHAR(255) NOT NULL DEFAULT 'unknown',
		confidence FLOAT NOT NULL DEFAULT 0,
		confidence_label ENUM('high', 'medium', 'low', 'unknown') NOT NULL DEFAULT 'unknown',
		treatment TEXT,
		raw_model_output TEXT,
		source VARCHAR(64) NOT NULL,
		diagnosed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_plant_diagnoses_image (image_id),
		INDEX idx_plant_diagnoses_disease (disease_name)
	)`

	if _, err := d.db.Exec(diagnosesQuery); err != nil {
		return fmt.Errorf("failed to create plant_diagnoses table: %w", err)
	}

	log.Info("plant_images and plant_diagnoses tables created/verified")
	return nil
}

// ListPending returns images not yet diagnosed or permanently failed,
// oldest first. The (uploaded_at, id) ordering is stable so repeated runs
// make forward progress under partial failure.
func (d *Database) ListPending(ctx context.Context, limit int) ([]models.ImageRecord, error) {
	query := `
	SELECT id, storage_path, uploaded_at, status
	FROM plant_images
	WHERE status = 'pending'
	ORDER BY uploaded_at ASC, id ASC
	LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending images: %w", err)
	}
	defer rows.Close()

	var records []models.ImageRecord
	for rows.Next() {
		var rec models.ImageRecord
		if err := rows.Scan(&rec.ID, &rec.StoragePath, &rec.UploadedAt, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan image record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over image rows: %w", err)
	}

	return records, nil
}

// ClaimPending transitions an image from pending to processing. The guard
// on the current status keeps overlapping runs from double-processing the
// same image: losing the race yields ErrConflict and the caller skips.
func (d *Database) ClaimPending(ctx context.Context, imageID string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE plant_images SET status = 'processing' WHERE id = ? AND status = 'pending'`,
		imageID)
	if err != nil {
		return fmt.Errorf("failed to claim image %s: %w", imageID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result for image %s: %w", imageID, err)
	}
	if rows == 0 {
		return fmt.Errorf("image %s is no longer pending: %w", imageID, ErrConflict)
	}
	return nil
}

// SetStatus updates an image's status unconditionally.
func (d *Database) SetStatus(ctx context.Context, imageID string, status models.ImageStatus) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE plant_images SET status = ? WHERE id = ?`,
		string(status), imageID)
	if err != nil {
		return fmt.Errorf("failed to set status for image %s: %w", imageID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status result for image %s: %w", imageID, err)
	}
	if rows == 0 {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	return nil
}

// SaveDiagnosis inserts the diagnosis row for an image. Rows are written
// once; the unique key on image_id turns a duplicate write into ErrConflict.
func (d *Database) SaveDiagnosis(ctx context.Context, diag *models.Diagnosis) error {
	query := `
	INSERT INTO plant_diagnoses (
		image_id, plant_name, disease_name, confidence, confidence_label,
		treatment, raw_model_output, source, diagnosed_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query,
		diag.ImageID,
		diag.PlantName,
		diag.DiseaseName,
		diag.Confidence,
		diag.ConfidenceLabel,
		diag.Treatment,
		diag.RawModelOutput,
		diag.Source,
		diag.DiagnosedAt,
	)
	if err != nil {
		var merr *mysql.MySQLError
		if errors.As(err, &merr) && merr.Number == 1062 {
			return fmt.Errorf("diagnosis for image %s already exists: %w", diag.ImageID, ErrConflict)
		}
		return fmt.Errorf("failed to save diagnosis for image %s: %w", diag.ImageID, err)
	}

	return nil
}

// HasDiagnosis reports whether a diagnosis row exists for the image. Used
// to recover records left pending by a crash between the result write and
// the status flip.
func (d *Database) HasDiagnosis(ctx context.Context, imageID string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plant_diagnoses WHERE image_id = ?`, imageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check diagnosis for image %s: %w", imageID, err)
	}
	return count > 0, nil
}

// GetDiagnosis returns the diagnosis for an image, or ErrNotFound.
func (d *Database) GetDiagnosis(ctx context.Context, imageID string) (*models.Diagnosis, error) {
	query := `
	SELECT image_id, plant_name, disease_name, confidence, confidence_label,
	       treatment, raw_model_output, source, diagnosed_at
	FROM plant_diagnoses
	WHERE image_id = ?`

	var diag models.Diagnosis
	var treatment, rawOutput sql.NullString
	err := d.db.QueryRowContext(ctx, query, imageID).Scan(
		&diag.ImageID,
		&diag.PlantName,
		&diag.DiseaseName,
		&diag.Confidence,
		&diag.ConfidenceLabel,
		&treatment,
		&rawOutput,
		&diag.Source,
		&diag.DiagnosedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("diagnosis for image %s: %w", imageID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch diagnosis for image %s: %w", imageID, err)
	}
	diag.Treatment = treatment.String
	diag.RawModelOutput = rawOutput.String

	return &diag, nil
}

// CountByStatus returns the number of image records per status.
func (d *Database) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM plant_images GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count images by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over status counts: %w", err)
	}

	return counts, nil
}

// GetDB returns the underlying sql.DB for direct queries
func (d *Database) GetDB() *sql.DB {
	return d.db
}
