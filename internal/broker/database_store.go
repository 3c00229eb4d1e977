package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const databaseOpenMaxTries = 5

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists credential records using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	locks       *userLocks
}

type credentialRow struct {
	UserID          string `gorm:"column:user_id;primaryKey"`
	AccessToken     string `gorm:"column:access_token;not null"`
	RefreshToken    string `gorm:"column:refresh_token;not null;default:''"`
	ExpiryUnixMilli int64  `gorm:"column:expiry_unix_milli;not null;default:0"`
	Scope           string `gorm:"column:scope;not null;default:''"`
	Email           string `gorm:"column:email;not null;default:''"`
	Name            string `gorm:"column:name;not null;default:''"`
	Picture         string `gorm:"column:picture;not null;default:''"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRow) TableName() string {
	return "google_credentials"
}

func (row credentialRow) record() CredentialRecord {
	record := CredentialRecord{
		UserID:       row.UserID,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Scope:        row.Scope,
		Email:        row.Email,
		Name:         row.Name,
		Picture:      row.Picture,
	}
	if row.ExpiryUnixMilli != 0 {
		record.Expiry = time.UnixMilli(row.ExpiryUnixMilli).UTC()
	}
	return record
}

func rowFromRecord(record CredentialRecord, now time.Time) credentialRow {
	row := credentialRow{
		UserID:        record.UserID,
		AccessToken:   record.AccessToken,
		RefreshToken:  record.RefreshToken,
		Scope:         record.Scope,
		Email:         record.Email,
		Name:          record.Name,
		Picture:       record.Picture,
		UpdatedAtUnix: now.Unix(),
	}
	if !record.Expiry.IsZero() {
		row.ExpiryUnixMilli = record.Expiry.UnixMilli()
	}
	return row
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseCredentialStore constructs a GORM-backed store, retrying the initial open and migration.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.Multiplier = 2
	exp.Reset()

	operation := func() (*gorm.DB, error) {
		gormDB, openErr := gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if openErr != nil {
			return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
		}
		if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRow{}); migrateErr != nil {
			return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
		}
		return gormDB, nil
	}

	gormDB, retryErr := backoff.Retry(ctx, operation, backoff.WithBackOff(exp), backoff.WithMaxTries(databaseOpenMaxTries))
	if retryErr != nil {
		return nil, retryErr
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		locks:       newUserLocks(),
	}, nil
}

// Get loads the record for userID.
func (store *DatabaseCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, bool, error) {
	var row credentialRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CredentialRecord{}, false, nil
		}
		return CredentialRecord{}, false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	return row.record(), true, nil
}

// UpsertMerge merges update into the stored row inside a transaction.
func (store *DatabaseCredentialStore) UpsertMerge(ctx context.Context, userID string, update CredentialRecord) (CredentialRecord, error) {
	if userID == "" {
		return CredentialRecord{}, ErrEmptyUserID
	}
	var merged CredentialRecord
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing credentialRow
		takeErr := transaction.Where("user_id = ?", userID).Take(&existing).Error
		if takeErr != nil && !errors.Is(takeErr, gorm.ErrRecordNotFound) {
			return takeErr
		}
		update.UserID = userID
		merged = existing.record().Merge(update)
		row := rowFromRecord(merged, time.Now().UTC())
		return transaction.Save(&row).Error
	})
	if transactionErr != nil {
		return CredentialRecord{}, fmt.Errorf("credential_store.upsert.%s: %w", store.driverLabel, transactionErr)
	}
	return merged, nil
}

// Delete removes the row; deleting an absent row is not an error.
func (store *DatabaseCredentialStore) Delete(ctx context.Context, userID string) error {
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&credentialRow{}).Error; err != nil {
		return fmt.Errorf("credential_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// WithLock runs fn while holding the per-user lock of this process.
func (store *DatabaseCredentialStore) WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	return store.locks.withLock(ctx, userID, fn)
}

// Close releases the underlying connection pool.
func (store *DatabaseCredentialStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
